package services

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// allowedTypes maps each accepted extension to its accepted MIME types. The
// first entry is used when the caller sends no usable content type.
var allowedTypes = map[string][]string{
	".pdf":  {"application/pdf"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".txt":  {"text/plain"},
	".html": {"text/html"},
	".htm":  {"text/html"},
}

var zipMagic = []byte("PK\x03\x04")

type checkedFile struct {
	ext         string
	contentType string
	pageCount   int
}

// validateFile checks one upload before any row is written for it.
func validateFile(f File, maxSize int64) (checkedFile, error) {
	name := strings.TrimSpace(f.Filename)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return checkedFile{}, fmt.Errorf("%w: invalid filename %q", models.ErrValidation, f.Filename)
	}
	ext := strings.ToLower(filepath.Ext(name))
	accepted, ok := allowedTypes[ext]
	if !ok {
		return checkedFile{}, fmt.Errorf("%w: file type %q is not supported", models.ErrValidation, ext)
	}
	if len(f.Data) == 0 {
		return checkedFile{}, fmt.Errorf("%w: %s is empty", models.ErrValidation, name)
	}
	if maxSize > 0 && int64(len(f.Data)) > maxSize {
		return checkedFile{}, fmt.Errorf("%w: %s is %d bytes, limit is %d", models.ErrValidation, name, len(f.Data), maxSize)
	}

	contentType := accepted[0]
	if f.ContentType != "" {
		mt, _, err := mime.ParseMediaType(f.ContentType)
		if err != nil {
			return checkedFile{}, fmt.Errorf("%w: content type %q: %v", models.ErrValidation, f.ContentType, err)
		}
		if mt != "application/octet-stream" {
			if !slices.Contains(accepted, mt) {
				return checkedFile{}, fmt.Errorf("%w: content type %q does not match %s", models.ErrValidation, mt, ext)
			}
			contentType = mt
		}
	}

	checked := checkedFile{ext: ext, contentType: contentType}
	switch ext {
	case ".pdf":
		n, err := pdfPageCount(f.Data)
		if err != nil {
			return checkedFile{}, fmt.Errorf("%w: %s is not a readable PDF: %v", models.ErrValidation, name, err)
		}
		checked.pageCount = n
	case ".docx":
		if !bytes.HasPrefix(f.Data, zipMagic) {
			return checkedFile{}, fmt.Errorf("%w: %s is not a DOCX archive", models.ErrValidation, name)
		}
	}
	return checked, nil
}

func pdfPageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

// sanitizeIndexID restricts id to the characters the indexing backend accepts
// in document ids.
func sanitizeIndexID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
