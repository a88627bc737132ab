package extract

import (
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// stubRunner fakes the external binaries. The handler receives the binary
// name and its args and may create output files the way the real tools do.
type stubRunner struct {
	handler func(name string, args []string) (stdout string, err error)
	calls   []string
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, name)
	out, err := s.handler(name, args)
	return []byte(out), nil, err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, r *stubRunner) *Engine {
	t.Helper()
	e := NewEngine(cfg, NewAdmission(2, 0, testLogger()), testLogger())
	if r != nil {
		e = e.WithRunner(r)
	}
	return e
}

func pdfFile(t *testing.T) *entity.ValidatedFile {
	t.Helper()
	return &entity.ValidatedFile{
		SpoolPath: filepath.Join(t.TempDir(), "doc.pdf"),
		Format:    constants.PDF,
		Size:      1024,
	}
}

func longText() string {
	return strings.Repeat("PSYC 101. Midterm October 14. Final December 9. ", 10)
}

func pngFile(t *testing.T, width, height int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
	require.NoError(t, f.Close())
	return path
}

func TestExtractPlainTextPassthrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello syllabus"), 0o600))

	e := newTestEngine(t, Config{}, nil)
	doc, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.TXT, Size: 14,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyDirectText, doc.Strategy)
	assert.Equal(t, "hello syllabus", doc.Text)
	assert.False(t, doc.Truncated)
}

func TestExtractTruncatesAtByteCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 500)), 0o600))

	e := newTestEngine(t, Config{MaxTextBytes: 100}, nil)
	doc, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.TXT, Size: 500,
	})
	require.NoError(t, err)
	assert.True(t, doc.Truncated)
	assert.Len(t, doc.Text, 100)
}

func TestExtractPDFUsesTextLayerWhenPresent(t *testing.T) {
	r := &stubRunner{handler: func(name string, args []string) (string, error) {
		require.Contains(t, name, "pdftotext")
		return longText(), nil
	}}
	e := newTestEngine(t, Config{}, r)

	doc, err := e.Extract(context.Background(), pdfFile(t))
	require.NoError(t, err)
	assert.Equal(t, StrategyDirectText, doc.Strategy)
	assert.Equal(t, []string{"pdftotext"}, r.calls)
}

func TestExtractPDFFallsBackToOCR(t *testing.T) {
	r := &stubRunner{}
	r.handler = func(name string, args []string) (string, error) {
		switch name {
		case "pdftotext":
			return "  ", nil // no usable text layer
		case "pdftoppm":
			prefix := args[len(args)-1]
			for _, n := range []string{"-01.png", "-02.png"} {
				require.NoError(t, os.WriteFile(prefix+n, []byte("png"), 0o600))
			}
			return "", nil
		case "tesseract":
			return "ocr page text", nil
		}
		t.Fatalf("unexpected binary %q", name)
		return "", nil
	}
	e := newTestEngine(t, Config{}, r)

	doc, err := e.Extract(context.Background(), pdfFile(t))
	require.NoError(t, err)
	assert.Equal(t, StrategyOCR, doc.Strategy)
	assert.Equal(t, "ocr page text\n\f\nocr page text", doc.Text)
}

func TestExtractPDFRefusesOverPageLimit(t *testing.T) {
	r := &stubRunner{}
	r.handler = func(name string, args []string) (string, error) {
		switch name {
		case "pdftotext":
			return "", nil
		case "pdftoppm":
			prefix := args[len(args)-1]
			for _, n := range []string{"-1.png", "-2.png", "-3.png"} {
				require.NoError(t, os.WriteFile(prefix+n, []byte("png"), 0o600))
			}
			return "", nil
		}
		t.Fatalf("tesseract must not run for an over-limit document, got %q", name)
		return "", nil
	}
	e := newTestEngine(t, Config{MaxPages: 2}, r)

	_, err := e.Extract(context.Background(), pdfFile(t))
	require.Error(t, err)
	assert.Equal(t, "OCR_PAGE_LIMIT", common.ErrorCode(err))
	assert.Equal(t, common.ClassRejection, common.Classify(err))
}

func TestExtractImageRejectsWhenOCRFindsNothing(t *testing.T) {
	r := &stubRunner{handler: func(name string, args []string) (string, error) {
		return "   \n", nil
	}}
	e := newTestEngine(t, Config{}, r)

	_, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: pngFile(t, 4, 4),
		Format:    constants.IMAGE,
		Size:      100,
	})
	require.Error(t, err)
	assert.Equal(t, "OCR_EMPTY", common.ErrorCode(err))
}

func TestExtractImageRefusesOverPixelLimit(t *testing.T) {
	r := &stubRunner{handler: func(name string, args []string) (string, error) {
		t.Errorf("tesseract must not run for an oversized image, got %q", name)
		return "", nil
	}}
	e := newTestEngine(t, Config{MaxImagePixels: 16}, r)

	_, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: pngFile(t, 5, 5),
		Format:    constants.IMAGE,
		Size:      100,
	})
	require.Error(t, err)
	assert.Equal(t, "IMAGE_RESOLUTION", common.ErrorCode(err))
	assert.Equal(t, common.ClassRejection, common.Classify(err))
	assert.Empty(t, r.calls)
}

func TestExtractImageRejectsUndecodableHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o600))
	e := newTestEngine(t, Config{}, nil)

	_, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.IMAGE, Size: 12,
	})
	require.Error(t, err)
	assert.Equal(t, "MALFORMED_IMAGE", common.ErrorCode(err))
}

func TestExtractRejectsLegacyDoc(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	_, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: "irrelevant", Format: constants.DOC, Size: 10,
	})
	require.Error(t, err)
	assert.Equal(t, "FORMAT_UNSUPPORTED", common.ErrorCode(err))
	assert.Equal(t, common.ClassRejection, common.Classify(err))
}

func TestAdmissionFailsFastWithoutFreeSlot(t *testing.T) {
	a := NewAdmission(1, 0, testLogger())

	release, err := a.Acquire(context.Background())
	require.NoError(t, err)

	_, err = a.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, "OCR_RESOURCE_UNAVAILABLE", common.ErrorCode(err))
	assert.Equal(t, common.ClassTransient, common.Classify(err))

	release()
	release2, err := a.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

type noHeadroom struct{}

func (noHeadroom) HasHeadroom() bool { return false }

func TestAdmissionDeniesUnderMemoryPressure(t *testing.T) {
	a := NewAdmission(4, 0, testLogger()).WithChecker(noHeadroom{})

	_, err := a.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, "OCR_RESOURCE_UNAVAILABLE", common.ErrorCode(err))
}
