// files is a package with utility-like file functions used in gallerydl
package files

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WriteError is an error which contains data about which file failed to
// be written and why. Write failures indicate the destination itself is
// broken, so callers treat them as fatal for the whole run.
type WriteError struct {
	err  error
	path string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("couldn't write file (path=%s): %s", e.path, e.err)
}

func (e *WriteError) Unwrap() error { return e.err }

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".tif": {}, ".tiff": {}, ".bmp": {},
}

// UniqueFilename derives a stable on-disk name for the given image URL:
// the URL path's base name suffixed with the first 8 hex chars of the
// URL's md5, so two distinct URLs sharing a base name never collide.
// Unknown extensions fall back to .jpg.
func UniqueFilename(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	hash := hex.EncodeToString(sum[:])[:8]

	base := path.Base(rawURL)
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}

	ext := strings.ToLower(path.Ext(base))
	name := strings.TrimSuffix(base, path.Ext(base))
	if _, ok := imageExtensions[ext]; !ok {
		ext = ".jpg"
	}
	if name == "" || name == "." || name == "/" {
		name = "image"
	}

	return name + "_" + hash + ext
}

// Write stores the data on disk at the given path.
func Write(filename string, b []byte) error {
	file, err := os.Create(filename)
	if err != nil {
		return &WriteError{err: err, path: filename}
	}
	defer file.Close()

	fw := bufio.NewWriter(file)
	if _, err := io.Copy(fw, bytes.NewReader(b)); err != nil {
		return &WriteError{err: err, path: filename}
	}
	if err := fw.Flush(); err != nil {
		return &WriteError{err: err, path: filename}
	}

	return nil
}

// Exists returns whether the file exists.
func Exists(filename string) bool {
	f, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !f.IsDir()
}

// CheckWritable creates the directory if necessary and probes it with a
// throwaway file. The probe runs before anything durable is touched, so
// an unusable destination aborts the run before a single ledger entry
// is written.
func CheckWritable(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return &WriteError{err: err, path: dir}
	}

	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return &WriteError{err: err, path: dir}
	}
	os.Remove(probe)

	return nil
}
