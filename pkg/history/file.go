package history

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// maxDocumentSize bounds what ReadFrom will load
const maxDocumentSize = 64 << 20

// ExportResult contains the result of an export operation
type ExportResult struct {
	ExportedRecords int
	ExportedModels  int
	OutputFile      string
	BytesWritten    int64
	ExportedAt      time.Time
}

// WriteTo encodes doc to w
func WriteTo(w io.Writer, doc *Document) (*ExportResult, error) {
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	n, err := w.Write(data)
	if err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}
	return &ExportResult{
		ExportedRecords: len(doc.Prompts),
		ExportedModels:  len(doc.Models),
		BytesWritten:    int64(n),
		ExportedAt:      time.Now(),
	}, nil
}

// WriteFile writes doc to path with owner-only permissions. An empty path or
// "-" writes to stdout.
func WriteFile(path string, doc *Document) (*ExportResult, error) {
	if path == "" || path == "-" {
		result, err := WriteTo(os.Stdout, doc)
		if err != nil {
			return nil, err
		}
		result.OutputFile = "stdout"
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	result, err := WriteTo(file, doc)
	if err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush output file: %w", err)
	}
	result.OutputFile = path
	return result, nil
}

// ReadFrom decodes a document from r
func ReadFrom(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document larger than %d bytes", ErrInvalidFormat, maxDocumentSize)
	}
	return Decode(data)
}

// ReadFile decodes the document at path; "-" reads stdin
func ReadFile(path string) (*Document, error) {
	if path == "-" {
		return ReadFrom(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer file.Close()
	return ReadFrom(file)
}
