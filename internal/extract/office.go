package extract

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/coursecal/syllabus-ingest/internal/common"
)

// extractXLSX flattens spreadsheet cells row by row. Schedule-table syllabi
// arrive this way often enough to warrant native handling over OCR.
func (e *Engine) extractXLSX(path string) (string, string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", "", common.Rejection("MALFORMED_XLSX", "spreadsheet could not be opened")
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			e.logger.Warn("extract.xlsx.sheet_failed", "sheet", sheet, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", "", common.Rejection("EMPTY_DOCUMENT", "spreadsheet contains no text")
	}
	return b.String(), StrategyFormatNative, nil
}

// extractDOCX pulls paragraph text out of word/document.xml. The XML is
// decoded, never evaluated; only character data survives.
func (e *Engine) extractDOCX(path string) (string, string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", "", common.Rejection("MALFORMED_DOCX", "document container could not be opened")
	}
	defer zr.Close()

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", "", common.Rejection("MALFORMED_DOCX", "document body could not be opened")
			}
			break
		}
	}
	if docXML == nil {
		return "", "", common.Rejection("MALFORMED_DOCX", "document body is missing")
	}
	defer docXML.Close()

	text, err := wordXMLText(docXML)
	if err != nil {
		return "", "", common.Rejection("MALFORMED_DOCX", "document body could not be parsed")
	}
	if strings.TrimSpace(text) == "" {
		return "", "", common.Rejection("EMPTY_DOCUMENT", "document contains no text")
	}
	return text, StrategyFormatNative, nil
}

// wordXMLText collects character data from WordprocessingML, inserting a
// newline at each paragraph close and a tab between table cells.
func wordXMLText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				b.WriteString("\n")
			case "tc":
				b.WriteString("\t")
			}
		}
	}
	return b.String(), nil
}
