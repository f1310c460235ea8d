package loader

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const maxExtractBytes = 256 << 20

// Bundle is a read-only view of one opened artifact.
// It is only valid while the artifact is being inspected.
type Bundle struct {
	Path string
	// WorkDir is the scan's extraction root for runtimes without their own.
	WorkDir string
	files   map[string]*zip.File
}

func newBundle(p string, zr *zip.Reader) *Bundle {
	b := &Bundle{Path: p, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		name := path.Clean(strings.TrimPrefix(filepath.ToSlash(f.Name), "/"))
		if f.FileInfo().IsDir() || name == "." || strings.HasPrefix(name, "../") {
			continue
		}
		b.files[name] = f
	}
	return b
}

// Names returns regular file names in lexical order.
func (b *Bundle) Names() []string {
	out := make([]string, 0, len(b.files))
	for n := range b.files {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (b *Bundle) Has(name string) bool {
	_, ok := b.files[path.Clean(name)]
	return ok
}

// ReadFile reads one entry, refusing entries larger than limit.
func (b *Bundle) ReadFile(name string, limit int64) ([]byte, error) {
	f, ok := b.files[path.Clean(name)]
	if !ok {
		return nil, entryMissing(name)
	}
	if limit > 0 && f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("bundle: %s exceeds %d bytes", name, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("bundle: %s exceeds %d bytes", name, limit)
	}
	return data, nil
}

// Extract writes every regular entry under dst, preserving file modes.
func (b *Bundle) Extract(dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	var total int64
	for _, name := range b.Names() {
		f := b.files[name]
		target := filepath.Join(dst, filepath.FromSlash(name))
		rel, err := filepath.Rel(dst, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("bundle: illegal path %q", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		n, err := extractOne(f, target, maxExtractBytes-total)
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func extractOne(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, fmt.Errorf("bundle: extracted size exceeds %d bytes", maxExtractBytes)
	}
	return n, nil
}

// isArtifactName reports whether a directory entry looks like a plugin bundle.
func isArtifactName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".plugin":
		return true
	}
	return false
}
