package extract

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractPlainUTF8(t *testing.T) {
	got, err := NewExtractor().Extract([]byte("Client: caf\xc3\xa9 budget?\nMe: sure"), ".txt")
	require.NoError(t, err)
	assert.Equal(t, "Client: café budget?\nMe: sure", got)
}

func TestExtractPlainLatin1Fallback(t *testing.T) {
	got, err := NewExtractor().Extract([]byte("caf\xe9"), ".txt")
	require.NoError(t, err)
	assert.Equal(t, "café", got)
}

func TestExtractUnknownExtensionIsPlainText(t *testing.T) {
	got, err := NewExtractor().Extract([]byte("hello"), "log")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestExtractBinaryIsUndecodable(t *testing.T) {
	_, err := NewExtractor().Extract([]byte{0x89, 'P', 'N', 'G', 0x00, 0x01}, ".txt")
	require.Error(t, err)
	assert.Equal(t, KindUndecodableBytes, KindOf(err))
}

func TestExtractLegacyFormatsUnsupported(t *testing.T) {
	for _, ext := range []string{".pdf", ".DOC"} {
		_, err := NewExtractor().Extract([]byte("%PDF-1.4"), ext)
		require.Error(t, err)
		assert.Equal(t, KindUnsupportedFormat, KindOf(err), ext)
	}
	assert.True(t, Rejected(Ext("chat.PDF")))
	assert.False(t, Rejected(Ext("chat.docx")))
}

func TestExtractDOCXParagraphsAndTables(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p w:rsidR="00A1"><w:pPr><w:jc w:val="left"/></w:pPr><w:r><w:t>Client: need a </w:t></w:r><w:r><w:t xml:space="preserve">logo &amp; site</w:t></w:r></w:p>
<w:p/>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Budget</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>$500</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
</w:body></w:document>`

	got, err := NewExtractor().Extract(buildDOCX(t, doc), ".docx")
	require.NoError(t, err)
	assert.Equal(t, "Client: need a logo & site\nBudget\n$500", got)
}

func TestExtractBrokenDOCX(t *testing.T) {
	_, err := NewExtractor().Extract([]byte("not a zip"), ".docx")
	require.Error(t, err)
	assert.Equal(t, KindUndecodableBytes, KindOf(err))
}

func TestExtractCSV(t *testing.T) {
	got, err := NewExtractor().Extract([]byte("from,message\nclient,\"hi, there\"\nme,hello\n"), ".csv")
	require.NoError(t, err)
	assert.Equal(t, "from,message\nclient,hi, there\nme,hello", got)
}

func TestExtractExcel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Client"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Need it by Friday"))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	got, err := NewExtractor().Extract(buf.Bytes(), ".xlsx")
	require.NoError(t, err)
	assert.Equal(t, "Client\tNeed it by Friday", got)
}
