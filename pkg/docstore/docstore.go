// Package docstore is the read-only document source behind the search_docs
// and read_doc tools. It also serves the context-compression prompt
// template, so the template can live next to the documents it is used with.
//
// Paths are forward-slash separated and relative to the store root.
package docstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// MaxFileSize bounds a single ReadFile.
const MaxFileSize = 4 << 20

// Store lists and reads documents. Implementations must be safe for
// concurrent use.
type Store interface {
	// List returns the sorted paths of all documents under prefix. An empty
	// prefix lists everything.
	List(ctx context.Context, prefix string) ([]string, error)

	// Read opens the named document. If it does not exist, an error
	// wrapping fs.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// ReadFile reads the whole document, failing for documents larger than
	// MaxFileSize.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Clean normalizes a document path and rejects paths that leave the root.
func Clean(p string) (string, error) {
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("docstore: invalid path %q", p)
	}
	return c, nil
}

func readAll(r io.ReadCloser, name string) ([]byte, error) {
	defer r.Close()
	b, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("docstore: read %s: %w", name, err)
	}
	if len(b) > MaxFileSize {
		return nil, fmt.Errorf("docstore: %s exceeds %d bytes", name, MaxFileSize)
	}
	return b, nil
}
