package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// Strategy names recorded on ExtractedDocument.
const (
	StrategyDirectText   = "direct-text"
	StrategyFormatNative = "format-native"
	StrategyOCR          = "ocr"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang  string // default "eng"
	DPI            int    // rasterization DPI for scanned pages, default 300
	MaxPages       int    // pages beyond this are not processed
	MaxImagePixels int    // direct image uploads above this pixel count are refused
	PageTimeout    time.Duration

	StageTimeout time.Duration // hard wall-clock limit for the whole stage
	MaxTextBytes int           // extracted text beyond this is truncated, flagged
	MinTextChars int           // below this, a PDF text layer counts as empty
}

// Engine produces plain text from a validated file, choosing a strategy by
// detected format and falling back to OCR under the admission gate.
type Engine struct {
	cfg       Config
	runner    Runner
	admission *Admission
	logger    *slog.Logger
}

func NewEngine(cfg Config, admission *Admission, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 || cfg.DPI > 300 {
		cfg.DPI = 300
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.MaxImagePixels <= 0 {
		// Roughly three Letter pages rasterized at the 300 DPI ceiling.
		cfg.MaxImagePixels = 25_000_000
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 200_000
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 80
	}
	return &Engine{cfg: cfg, runner: execRunner{}, admission: admission, logger: logger}
}

// WithRunner swaps the command runner; used in tests.
func (e *Engine) WithRunner(r Runner) *Engine {
	if r != nil {
		e.runner = r
	}
	return e
}

// Extract picks a strategy based on the gate's detected format. The whole
// stage runs under a hard wall-clock timeout; exceeding it surfaces as a
// retryable failure.
func (e *Engine) Extract(ctx context.Context, vf *entity.ValidatedFile) (*entity.ExtractedDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	e.logger.Info("extract.start", "path", vf.SpoolPath, "format", vf.Format, "size", vf.Size)

	var (
		text     string
		strategy string
		err      error
	)
	switch vf.Format {
	case constants.PDF:
		text, strategy, err = e.extractPDF(ctx, vf.SpoolPath)
	case constants.IMAGE:
		text, strategy, err = e.extractImage(ctx, vf.SpoolPath)
	case constants.TXT:
		text, strategy, err = e.extractPlainText(vf.SpoolPath)
	case constants.XLSX:
		text, strategy, err = e.extractXLSX(vf.SpoolPath)
	case constants.DOCX:
		text, strategy, err = e.extractDOCX(vf.SpoolPath)
	case constants.DOC:
		err = common.Rejection("FORMAT_UNSUPPORTED",
			"legacy .doc files are not supported in this deployment; please convert to PDF or DOCX")
	default:
		err = common.Rejection("FORMAT_UNSUPPORTED", fmt.Sprintf("format %s is not supported", vf.Format))
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && common.Classify(err) == common.ClassFatal) {
			err = common.Transient("EXTRACT_TIMEOUT", "document extraction timed out", err)
		}
		e.logger.Error("extract.failed", "path", vf.SpoolPath, "format", vf.Format,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	doc := &entity.ExtractedDocument{
		RawByteLength: int(vf.Size),
		DetectedMIME:  vf.DetectedMIME,
		Strategy:      strategy,
		Text:          text,
	}
	if len(doc.Text) > e.cfg.MaxTextBytes {
		doc.Text = truncateUTF8(doc.Text, e.cfg.MaxTextBytes)
		doc.Truncated = true
	}

	e.logger.Info("extract.ok",
		"path", vf.SpoolPath,
		"strategy", strategy,
		"text_len", len(doc.Text),
		"truncated", doc.Truncated,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return doc, nil
}

func (e *Engine) extractPlainText(path string) (string, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", common.Fatal("EXTRACT_READ", "could not read uploaded file", err)
	}
	return string(b), StrategyDirectText, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// looksEmpty reports whether a text layer is too thin to be the real
// document text, which sends PDFs down the OCR path.
func (e *Engine) looksEmpty(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < e.cfg.MinTextChars
}
