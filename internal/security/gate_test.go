package security

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
)

func writeSpool(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func syllabusText() []byte {
	return []byte(strings.Repeat("PSYC 101 Intro to Psychology. Midterm exam on October 14 in Hall B.\n", 40))
}

func TestGateAcceptsPlainText(t *testing.T) {
	g := NewGate(Config{}, nil)
	content := syllabusText()
	path := writeSpool(t, "syllabus.txt", content)

	vf, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "syllabus.txt",
		DeclaredMIME: "text/plain; charset=utf-8",
		Size:         int64(len(content)),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.TXT, vf.Format)
	assert.Equal(t, "text/plain", vf.DetectedMIME)
}

func TestGateRejectsDeclaredDetectedMismatch(t *testing.T) {
	g := NewGate(Config{}, nil)
	content := syllabusText()
	path := writeSpool(t, "syllabus.pdf", content)

	_, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "syllabus.pdf",
		DeclaredMIME: "application/pdf",
		Size:         int64(len(content)),
	})
	require.Error(t, err)
	assert.Equal(t, common.ClassRejection, common.Classify(err))
	assert.Equal(t, "TYPE_MISMATCH", common.ErrorCode(err))
}

func TestGateRejectsUnsupportedDeclaredType(t *testing.T) {
	g := NewGate(Config{}, nil)
	path := writeSpool(t, "tool.exe", []byte("MZ..."))

	_, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "tool.exe",
		DeclaredMIME: "application/x-msdownload",
		Size:         5,
	})
	require.Error(t, err)
	assert.Equal(t, "UNSUPPORTED_TYPE", common.ErrorCode(err))
}

func TestGateRejectsOversizedFile(t *testing.T) {
	g := NewGate(Config{}, nil)
	content := syllabusText()
	path := writeSpool(t, "big.txt", content)

	_, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "big.txt",
		DeclaredMIME: "text/plain",
		Size:         constants.MaxSizeByFormat[constants.TXT] + 1,
	})
	require.Error(t, err)
	assert.Equal(t, "FILE_TOO_LARGE", common.ErrorCode(err))
	assert.Equal(t, common.ClassRejection, common.Classify(err))
}

func TestGateRejectsEncryptedPayloadInTextFile(t *testing.T) {
	g := NewGate(Config{}, nil)

	// A text preamble long enough to pass content sniffing, followed by a
	// blob indistinguishable from ciphertext.
	rng := rand.New(rand.NewSource(1))
	blob := make([]byte, 256<<10)
	rng.Read(blob)
	content := append([]byte(strings.Repeat("Course outline. ", 256)), blob...)
	path := writeSpool(t, "smuggle.txt", content)

	_, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "smuggle.txt",
		DeclaredMIME: "text/plain",
		Size:         int64(len(content)),
	})
	require.Error(t, err)
	assert.Equal(t, "SUSPICIOUS_CONTENT", common.ErrorCode(err))
}

func TestGateRejectsPDFWithoutTrailer(t *testing.T) {
	g := NewGate(Config{}, nil)
	content := append([]byte("%PDF-1.4\n"), syllabusText()...)
	path := writeSpool(t, "broken.pdf", content)

	_, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "broken.pdf",
		DeclaredMIME: "application/pdf",
		Size:         int64(len(content)),
	})
	require.Error(t, err)
	assert.Equal(t, "MALFORMED_PDF", common.ErrorCode(err))
}

func TestGateAcceptsWellFormedPDF(t *testing.T) {
	g := NewGate(Config{}, nil)
	content := append([]byte("%PDF-1.4\n"), syllabusText()...)
	content = append(content, []byte("\n%%EOF\n")...)
	path := writeSpool(t, "ok.pdf", content)

	vf, err := g.Validate(Input{
		SpoolPath:    path,
		Filename:     "ok.pdf",
		DeclaredMIME: "application/pdf",
		Size:         int64(len(content)),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.PDF, vf.Format)
}
