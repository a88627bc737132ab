package security

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// Gate is the file classifier and security gate. It classifies uploads by
// content, never by filename or client-declared type, and it never executes
// or interprets document content.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

type Config struct {
	// EntropyThreshold is the bits-per-byte ceiling for formats that should
	// not look like compressed or encrypted data. Zip-based containers are
	// exempt; PDFs get extra headroom for embedded streams.
	EntropyThreshold float64
	PDFEntropyMax    float64
	// EntropySample caps how much of the file is read for the entropy check.
	EntropySample int64
}

func NewGate(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = 7.2
	}
	if cfg.PDFEntropyMax <= 0 {
		cfg.PDFEntropyMax = 7.9
	}
	if cfg.EntropySample <= 0 {
		cfg.EntropySample = 256 << 10
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Input describes a spooled upload awaiting validation.
type Input struct {
	SpoolPath    string
	Filename     string
	DeclaredMIME string
	Size         int64
}

// Validate confirms the upload's type from its leading bytes, enforces the
// per-type size ceiling, and runs container sanity checks. Rejections carry a
// specific, caller-safe reason.
func (g *Gate) Validate(in Input) (*entity.ValidatedFile, error) {
	declared := constants.NormalizeMIME(in.DeclaredMIME)
	declaredFormat, ok := constants.FormatForMIME(declared)
	if !ok {
		g.logger.Warn("gate.reject", "reason", "declared_type_unsupported", "declared_mime", declared, "filename", in.Filename)
		return nil, common.Rejection("UNSUPPORTED_TYPE", fmt.Sprintf("declared type %q is not supported", declared))
	}

	mt, err := mimetype.DetectFile(in.SpoolPath)
	if err != nil {
		return nil, common.Fatal("GATE_READ", "could not read uploaded file", err)
	}
	detected := constants.NormalizeMIME(mt.String())
	detectedFormat, ok := constants.FormatForMIME(detected)
	if !ok {
		g.logger.Warn("gate.reject", "reason", "detected_type_unsupported", "detected_mime", detected, "filename", in.Filename)
		return nil, common.Rejection("UNSUPPORTED_TYPE", fmt.Sprintf("file content is %q, which is not supported", detected))
	}

	// Detected content wins; a mismatch with the declared type is a
	// rejection, never a silent override.
	if detectedFormat != declaredFormat {
		g.logger.Warn("gate.reject", "reason", "type_mismatch",
			"declared_mime", declared, "detected_mime", detected, "filename", in.Filename)
		return nil, common.Rejection("TYPE_MISMATCH",
			fmt.Sprintf("declared type %q does not match detected content %q", declared, detected))
	}

	if ceiling, ok := constants.MaxSizeByFormat[detectedFormat]; ok && in.Size > ceiling {
		g.logger.Warn("gate.reject", "reason", "oversized", "size", in.Size, "ceiling", ceiling, "format", detectedFormat)
		return nil, common.Rejection("FILE_TOO_LARGE",
			fmt.Sprintf("%s files may be at most %d MB", detectedFormat, ceiling>>20))
	}

	if detectedFormat == constants.PDF {
		if err := g.checkPDFContainer(in.SpoolPath, in.Size); err != nil {
			return nil, err
		}
	}

	if err := g.checkEntropy(in.SpoolPath, detectedFormat); err != nil {
		return nil, err
	}

	g.logger.Info("gate.accept", "filename", in.Filename, "detected_mime", detected, "format", detectedFormat, "size", in.Size)
	return &entity.ValidatedFile{
		SpoolPath:    in.SpoolPath,
		Filename:     in.Filename,
		DeclaredMIME: declared,
		DetectedMIME: detected,
		Format:       detectedFormat,
		Size:         in.Size,
	}, nil
}

// checkPDFContainer requires a %PDF- header near the start and an %%EOF
// trailer marker near the end, without reading the whole body.
func (g *Gate) checkPDFContainer(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return common.Fatal("GATE_READ", "could not read uploaded file", err)
	}
	defer f.Close()

	head := make([]byte, min64(1024, size))
	if _, err := io.ReadFull(f, head); err != nil {
		return common.Rejection("MALFORMED_PDF", "PDF is truncated or unreadable")
	}
	if !bytes.Contains(head, []byte("%PDF-")) {
		return common.Rejection("MALFORMED_PDF", "PDF header marker is missing")
	}

	tailLen := min64(1024, size)
	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, size-tailLen); err != nil && err != io.EOF {
		return common.Rejection("MALFORMED_PDF", "PDF is truncated or unreadable")
	}
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return common.Rejection("MALFORMED_PDF", "PDF trailer marker is missing")
	}
	return nil
}

// checkEntropy rejects documents whose byte-level randomness looks like a
// compressed or encrypted payload masquerading as a plain document. Zip
// containers and compressed image formats are legitimately high-entropy and
// are skipped.
func (g *Gate) checkEntropy(path string, format constants.FileFormat) error {
	var ceiling float64
	switch format {
	case constants.TXT:
		ceiling = g.cfg.EntropyThreshold
	case constants.PDF:
		ceiling = g.cfg.PDFEntropyMax
	default:
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return common.Fatal("GATE_READ", "could not read uploaded file", err)
	}
	defer f.Close()

	h, err := shannonEntropy(io.LimitReader(f, g.cfg.EntropySample))
	if err != nil {
		return common.Fatal("GATE_READ", "could not read uploaded file", err)
	}
	if h > ceiling {
		g.logger.Warn("gate.reject", "reason", "entropy", "entropy", h, "ceiling", ceiling, "format", format)
		return common.Rejection("SUSPICIOUS_CONTENT", "file content looks encrypted or compressed, not a document")
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
