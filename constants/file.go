package constants

import "strings"

// FileFormat is the canonical detected format for an uploaded document.
type FileFormat string

const (
	PDF   FileFormat = "PDF"
	IMAGE FileFormat = "IMAGE"
	TXT   FileFormat = "TXT"
	DOCX  FileFormat = "DOCX"
	XLSX  FileFormat = "XLSX"
	DOC   FileFormat = "DOC" // legacy OLE container; detected but not extractable
)

// FileFormats holds the allowed values for the format field on a job.
var FileFormats = []string{"PDF", "IMAGE", "TXT", "DOCX", "XLSX", "DOC"}

// FormatByMIME maps detected MIME types (and common aliases a client may
// declare) to the canonical format.
var FormatByMIME = map[string]FileFormat{
	"application/pdf": PDF,
	"text/plain":      TXT,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": DOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       XLSX,
	"application/msword": DOC,
	"image/png":          IMAGE,
	"image/jpeg":         IMAGE,
	"image/jpg":          IMAGE,
}

// MaxSizeByFormat is the per-format upload ceiling in bytes. Anything above
// the worst case for its type is rejected before extraction.
var MaxSizeByFormat = map[FileFormat]int64{
	PDF:   25 << 20,
	IMAGE: 20 << 20,
	TXT:   2 << 20,
	DOCX:  15 << 20,
	XLSX:  10 << 20,
	DOC:   15 << 20,
}

// MaxUploadBytes is the absolute ceiling applied while spooling, before the
// type-specific ceiling is known.
const MaxUploadBytes int64 = 30 << 20

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeMIME lowercases a MIME type and strips any parameters.
func NormalizeMIME(mime string) string {
	m := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// FormatForMIME resolves a MIME type to a canonical format, with a prefix
// match for image subtypes.
func FormatForMIME(mime string) (FileFormat, bool) {
	m := NormalizeMIME(mime)
	if f, ok := FormatByMIME[m]; ok {
		return f, true
	}
	if strings.HasPrefix(m, "image/") {
		return IMAGE, true
	}
	return "", false
}
