// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	_ "embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/samber/oops"
)

//go:embed assets/entry.html
var placeholderEntry []byte

// entryPage serves the login application. Its contents are loaded once.
type entryPage struct {
	body []byte
}

// loadEntryPage reads name from dir. A missing file falls back to the
// embedded placeholder; any other read error is returned.
func loadEntryPage(dir, name string) (*entryPage, error) {
	if dir == "" {
		return &entryPage{body: placeholderEntry}, nil
	}
	body, err := os.ReadFile(filepath.Join(dir, filepath.Clean("/"+name)))
	if errors.Is(err, fs.ErrNotExist) {
		return &entryPage{body: placeholderEntry}, nil
	}
	if err != nil {
		return nil, oops.Code("GATEWAY_ENTRY_PAGE_FAILED").With("dir", dir).With("name", name).Wrap(err)
	}
	return &entryPage{body: body}, nil
}

func (p *entryPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(p.body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	//nolint:errcheck // client may disconnect
	w.Write(p.body)
}
