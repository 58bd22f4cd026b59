package rag

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// statFile captures file provenance stored with each chunk.
func statFile(path string) (map[string]interface{}, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to stat file", err).
			WithContext("path", path)
	}
	return map[string]interface{}{
		"size":  fi.Size(),
		"mtime": float64(fi.ModTime().UnixNano()) / 1e9,
	}, nil
}

// extractText pulls plain text out of a file. PDFs go through the pdf
// reader; everything else is read verbatim. Scanned PDFs with no text
// layer come back empty and are rejected (OCR is an external driver).
func extractText(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return extractPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.New(errors.CodeInvalidInput, "failed to read file", err).
			WithContext("path", path)
	}
	return string(data), nil
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", errors.New(errors.CodeInvalidInput, "failed to open pdf", err).
			WithContext("path", path)
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", errors.New(errors.CodeInvalidInput, "failed to extract pdf text", err).
			WithContext("path", path)
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", errors.New(errors.CodeInvalidInput, "failed to read pdf text", err).
			WithContext("path", path)
	}
	text := buf.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.CodeInvalidInput,
			"pdf has no extractable text layer", nil).WithContext("path", path)
	}
	return text, nil
}
