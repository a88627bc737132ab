package extract

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/coursecal/syllabus-ingest/internal/common"
)

func (e *Engine) extractImage(ctx context.Context, path string) (string, string, error) {
	if err := e.checkImageBounds(path); err != nil {
		return "", "", err
	}

	release, err := e.admission.Acquire(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()

	text, err := e.tesseractOCR(ctx, path)
	if err != nil {
		return "", "", common.Transient("OCR_FAILED", "could not read text from image", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", "", common.Rejection("OCR_EMPTY", "no readable text found in image")
	}
	return text, StrategyOCR, nil
}

// checkImageBounds reads only the image header and refuses decompression
// bombs: a small, highly compressed file can expand to an enormous pixel
// buffer inside the OCR engine. Runs before an admission slot is taken.
func (e *Engine) checkImageBounds(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return common.Rejection("MALFORMED_IMAGE", "image header could not be decoded")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return common.Rejection("MALFORMED_IMAGE", "image reports no pixels")
	}
	if pixels := cfg.Width * cfg.Height; pixels > e.cfg.MaxImagePixels {
		return common.Rejection("IMAGE_RESOLUTION",
			fmt.Sprintf("image is %dx%d px; the limit is %d total pixels",
				cfg.Width, cfg.Height, e.cfg.MaxImagePixels))
	}
	return nil
}
