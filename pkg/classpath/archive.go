// Package classpath reads classes from directories and jar files.
package classpath

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrClassNotFound is returned when an archive does not contain a class.
var ErrClassNotFound = errors.New("class not found")

// Archive is a directory or a jar file of classes and resources.
type Archive interface {
	// Path is the location the archive was opened from.
	Path() string
	// Jar reports whether the archive is a zip file.
	Jar() bool
	// ReadClass reads the class with the given internal name.
	ReadClass(name string) ([]byte, error)
	// Walk calls fn for every file in the archive in lexical order, with
	// slash-separated paths relative to the archive root.
	Walk(fn func(path string, b []byte) error) error
	Close() error
}

// Open opens a directory or a .jar/.zip file.
func Open(path string) (Archive, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return &dirArchive{root: path}, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jar", ".zip":
	default:
		return nil, fmt.Errorf("%s: not a directory or jar file", path)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("error opening jar %s: %w", path, err)
	}
	a := &jarArchive{path: path, zr: zr, files: map[string]*zip.File{}}
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			a.files[f.Name] = f
		}
	}
	return a, nil
}

// ClassName returns the internal name of a class file path and whether
// the path is a class file at all.
func ClassName(path string) (string, bool) {
	name, ok := strings.CutSuffix(path, ".class")
	if !ok || name == "" || strings.HasPrefix(name, "META-INF/") {
		return "", false
	}
	return name, true
}

// classFile returns the slash-separated path of a class inside an archive.
// Names that would leave the archive root are rejected.
func classFile(name string) (string, bool) {
	p := name + ".class"
	if name == "" || !fs.ValidPath(p) || strings.Contains(p, `\`) {
		return "", false
	}
	return p, true
}

type dirArchive struct{ root string }

func (a *dirArchive) Path() string { return a.root }
func (a *dirArchive) Jar() bool    { return false }
func (a *dirArchive) Close() error { return nil }

func (a *dirArchive) ReadClass(name string) ([]byte, error) {
	p, ok := classFile(name)
	if !ok {
		return nil, fmt.Errorf("%w: invalid class name %q", ErrClassNotFound, name)
	}
	b, err := os.ReadFile(filepath.Join(a.root, filepath.FromSlash(p)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, a.root)
	}
	return b, err
}

func (a *dirArchive) Walk(fn func(path string, b []byte) error) error {
	return filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), b)
	})
}

type jarArchive struct {
	path  string
	zr    *zip.ReadCloser
	files map[string]*zip.File
}

func (a *jarArchive) Path() string { return a.path }
func (a *jarArchive) Jar() bool    { return true }
func (a *jarArchive) Close() error { return a.zr.Close() }

func (a *jarArchive) ReadClass(name string) ([]byte, error) {
	p, ok := classFile(name)
	if !ok {
		return nil, fmt.Errorf("%w: invalid class name %q", ErrClassNotFound, name)
	}
	f, ok := a.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, a.path)
	}
	return readZip(f)
}

func (a *jarArchive) Walk(fn func(path string, b []byte) error) error {
	names := make([]string, 0, len(a.files))
	for n := range a.files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := readZip(a.files[n])
		if err != nil {
			return err
		}
		if err := fn(n, b); err != nil {
			return err
		}
	}
	return nil
}

func readZip(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", f.Name, err)
	}
	return b, nil
}
