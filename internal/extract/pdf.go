package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coursecal/syllabus-ingest/internal/common"
)

func (e *Engine) extractPDF(ctx context.Context, path string) (string, string, error) {
	// Native text layer first.
	text, err := e.pdfToText(ctx, path)
	if err == nil && !e.looksEmpty(text) {
		return text, StrategyDirectText, nil
	}
	if err != nil {
		e.logger.Warn("extract.pdf.text_layer_failed", "path", path, "error", err)
	} else {
		e.logger.Info("extract.pdf.text_layer_empty", "path", path, "chars", len(text))
	}

	// Image rendering + OCR fallback, behind the admission gate.
	release, err := e.admission.Acquire(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()

	text, err = e.pdfToOCR(ctx, path)
	if err != nil {
		return "", "", err
	}
	return text, StrategyOCR, nil
}

func (e *Engine) pdfToText(ctx context.Context, path string) (string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, truncate(string(errb), 512))
	}
	return string(out), nil
}

func (e *Engine) pdfToOCR(ctx context.Context, path string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "si-ocr-*")
	if err != nil {
		return "", common.Fatal("EXTRACT_TMP", "could not create scratch space", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	// Render only up to the page cap; the -l flag keeps pdftoppm from
	// rasterizing a long document we would refuse anyway.
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm,
		"-r", fmt.Sprintf("%d", e.cfg.DPI),
		"-l", fmt.Sprintf("%d", e.cfg.MaxPages+1),
		"-png", path, prefix)
	if err != nil {
		return "", common.Transient("OCR_RENDER", "could not render document pages",
			fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return "", common.Rejection("OCR_NO_PAGES", "document produced no readable pages")
	}
	if len(matches) > e.cfg.MaxPages {
		// Refusing outright beats returning a silent partial result.
		return "", common.Rejection("OCR_PAGE_LIMIT",
			fmt.Sprintf("document exceeds the %d-page OCR limit", e.cfg.MaxPages))
	}

	var b strings.Builder
	for _, img := range matches {
		if err := ctx.Err(); err != nil {
			return "", common.Transient("EXTRACT_TIMEOUT", "document extraction timed out", err)
		}
		txt, err := e.tesseractOCR(ctx, img)
		if err != nil {
			e.logger.Warn("extract.ocr.page_failed", "image", img, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n") // keep a clear page break marker
		}
		b.WriteString(txt)
	}
	return b.String(), nil
}

func (e *Engine) tesseractOCR(ctx context.Context, imgPath string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()

	out, errb, err := e.runner.Run(pctx, e.cfg.Tesseract, imgPath, "stdout", "-l", e.cfg.TesseractLang, "--psm", "6")
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}
	return string(out), nil
}
