// Package email turns uploaded mail attachments into raw XML payloads and
// records them through the ledger with the email channel.
package email

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// MaxEntrySize bounds a single decompressed XML file.
const MaxEntrySize = 16 << 20

var (
	ErrNoXML       = errors.New("attachment contains no xml document")
	ErrUnreadable  = errors.New("attachment cannot be read")
	ErrEntrySize   = errors.New("attachment entry exceeds size limit")
	ErrUnsupported = errors.New("unsupported attachment type")
)

// Format is the container kind of an attachment.
type Format string

const (
	FormatXML Format = "xml"
	FormatZIP Format = "zip"
	FormatPDF Format = "pdf"
)

// XMLFile is one XML payload found inside an attachment.
type XMLFile struct {
	Name    string
	Content []byte
}

var (
	zipMagic = []byte("PK\x03\x04")
	pdfMagic = []byte("%PDF-")
)

// DetectFormat sniffs the content first and falls back to the file
// extension.
func DetectFormat(name string, content []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(content, zipMagic):
		return FormatZIP, nil
	case bytes.HasPrefix(content, pdfMagic):
		return FormatPDF, nil
	}
	trimmed := bytes.TrimLeft(content, "\xef\xbb\xbf \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return FormatXML, nil
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xml":
		return FormatXML, nil
	case ".zip":
		return FormatZIP, nil
	case ".pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, name)
}

// Extract returns every XML file carried by the attachment. ZIP archives
// are searched one level deep and PDFs through their embedded files.
func Extract(name string, content []byte) ([]XMLFile, error) {
	format, err := DetectFormat(name, content)
	if err != nil {
		return nil, err
	}
	var files []XMLFile
	switch format {
	case FormatXML:
		files = []XMLFile{{Name: name, Content: content}}
	case FormatZIP:
		files, err = fromZIP(content)
	case FormatPDF:
		files, err = fromPDF(content)
	}
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoXML, name)
	}
	return files, nil
}

func isXMLName(name string) bool {
	base := path.Base(name)
	return strings.EqualFold(path.Ext(base), ".xml") && !strings.HasPrefix(base, "._")
}

func fromZIP(content []byte) ([]XMLFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	var out []XMLFile
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || !isXMLName(f.Name) {
			continue
		}
		if f.UncompressedSize64 > MaxEntrySize {
			return nil, fmt.Errorf("%w: %s", ErrEntrySize, f.Name)
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, f.Name, err)
		}
		out = append(out, XMLFile{Name: f.Name, Content: b})
	}
	return out, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxEntrySize {
		return nil, ErrEntrySize
	}
	return b, nil
}

// fromPDF reads the embedded files of a DANFE style PDF. Attachments that
// are not XML are ignored.
func fromPDF(content []byte) ([]XMLFile, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	attachments, err := api.ExtractAttachmentsRaw(bytes.NewReader(content), "", nil, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	var out []XMLFile
	for _, a := range attachments {
		if !isXMLName(a.FileName) {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(a, MaxEntrySize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, a.FileName, err)
		}
		if len(b) > MaxEntrySize {
			return nil, fmt.Errorf("%w: %s", ErrEntrySize, a.FileName)
		}
		out = append(out, XMLFile{Name: a.FileName, Content: b})
	}
	return out, nil
}
