package extract

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

func writeXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := excelize.NewFile()
	for i, row := range rows {
		for j, cell := range row {
			ref, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", ref, cell))
		}
	}
	path := filepath.Join(t.TempDir(), "schedule.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func writeDOCX(t *testing.T, documentXML string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syllabus.docx")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return path
}

func TestExtractXLSXFlattensRows(t *testing.T) {
	path := writeXLSX(t, [][]string{
		{"Week", "Topic", "Due"},
		{"1", "Intro", "Quiz 1"},
	})
	e := newTestEngine(t, Config{}, nil)

	doc, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.XLSX, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyFormatNative, doc.Strategy)
	assert.Contains(t, doc.Text, "Week\tTopic\tDue")
	assert.Contains(t, doc.Text, "1\tIntro\tQuiz 1")
}

func TestExtractXLSXRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o600))
	e := newTestEngine(t, Config{}, nil)

	_, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.XLSX, Size: 9,
	})
	require.Error(t, err)
	assert.Equal(t, "MALFORMED_XLSX", common.ErrorCode(err))
}

func TestExtractDOCXCollectsParagraphText(t *testing.T) {
	path := writeDOCX(t, `<?xml version="1.0"?>
		<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
			<w:body>
				<w:p><w:r><w:t>CS 350 Operating Systems</w:t></w:r></w:p>
				<w:p><w:r><w:t>Midterm: March 3</w:t></w:r></w:p>
			</w:body>
		</w:document>`)
	e := newTestEngine(t, Config{}, nil)

	doc, err := e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.DOCX, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyFormatNative, doc.Strategy)
	assert.Contains(t, doc.Text, "CS 350 Operating Systems\n")
	assert.Contains(t, doc.Text, "Midterm: March 3\n")
}

func TestExtractDOCXRejectsMissingBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.docx")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	_, err = zw.Create("word/other.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	e := newTestEngine(t, Config{}, nil)
	_, err = e.Extract(context.Background(), &entity.ValidatedFile{
		SpoolPath: path, Format: constants.DOCX, Size: 1,
	})
	require.Error(t, err)
	assert.Equal(t, "MALFORMED_DOCX", common.ErrorCode(err))
}
