// Package static resolves URL paths to files under a table of mounts and
// serves them. It is deliberately small: no directory listings, no
// compression, no cache policy beyond what http.ServeContent does.
package static

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a path does not name a servable file.
var ErrNotFound = errors.New("static: asset not found")

// IndexFile is served for requests that resolve to a directory.
const IndexFile = "index.html"

// Mount maps a URL path onto a file tree.
type Mount struct {
	// Path is the URL path the mount answers. For a directory mount it is a
	// prefix ("/", "/assets/"); for a file alias it is matched exactly,
	// with or without a trailing slash.
	Path string

	// FS is the file tree. Use DirFS for directories on disk.
	FS fs.FS

	// File, if set, makes the mount an alias for a single file in FS,
	// the way a sendFile route works.
	File string
}

func (m Mount) alias() bool {
	return m.File != ""
}

// Asset is a file a URL path resolved to.
type Asset struct {
	// Mount is the Path of the mount the asset was found under.
	Mount string
	// Name is the slash-separated name of the file within that mount.
	Name string
	// Redirect is set when the path named a directory without its
	// trailing slash. Serve answers with a redirect to it instead of the
	// index file, so relative links in the page resolve.
	Redirect string

	mount int
}

func (a Asset) String() string {
	return a.Mount + ":" + a.Name
}

// Resolver looks up files across an ordered list of mounts. The first mount
// that has a file for a path wins. A Resolver is safe for concurrent use.
type Resolver struct {
	mounts []Mount
}

// NewResolver returns a Resolver over mounts, tried in the given order.
func NewResolver(mounts ...Mount) *Resolver {
	r := &Resolver{mounts: make([]Mount, 0, len(mounts))}
	for _, m := range mounts {
		if m.FS == nil {
			continue
		}
		if !strings.HasPrefix(m.Path, "/") {
			m.Path = "/" + m.Path
		}
		if !m.alias() && !strings.HasSuffix(m.Path, "/") {
			m.Path += "/"
		}
		r.mounts = append(r.mounts, m)
	}
	return r
}

// DirFS opens dir as a file tree that cannot be escaped, not even through
// symlinks.
func DirFS(dir string) (fs.FS, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("static: open root %s: %w", dir, err)
	}
	return root.FS(), nil
}

// Find reports the asset urlPath resolves to, if any. It only reads file
// metadata.
func (r *Resolver) Find(urlPath string) (Asset, bool) {
	for i, m := range r.mounts {
		name, ok := m.match(urlPath)
		if !ok {
			continue
		}
		name, dir, ok := lookup(m.FS, name)
		if !ok {
			continue
		}
		a := Asset{Mount: m.Path, Name: name, mount: i}
		if dir && !m.alias() && !strings.HasSuffix(urlPath, "/") {
			a.Redirect = "/" + strings.TrimLeft(urlPath, "/") + "/"
		}
		return a, true
	}
	return Asset{}, false
}

// Serve writes a to w with http.ServeContent, which takes care of HEAD,
// ranges and conditional requests. A directory asset with Redirect set gets
// a 301 to the slash form instead. It returns ErrNotFound, without writing
// anything, if the file has gone away since Find.
func (r *Resolver) Serve(w http.ResponseWriter, req *http.Request, a Asset) error {
	if a.Redirect != "" {
		target := a.Redirect
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(w, req, target, http.StatusMovedPermanently)
		return nil
	}

	f, info, err := r.open(a)
	if err != nil {
		return err
	}
	defer f.Close()

	content, ok := f.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("static: read %s: %w", a, err)
		}
		content = bytes.NewReader(data)
	}
	http.ServeContent(w, req, info.Name(), info.ModTime(), content)
	return nil
}

// Resolve returns the contents and content type of the file urlPath names.
func (r *Resolver) Resolve(urlPath string) ([]byte, string, error) {
	a, ok := r.Find(urlPath)
	if !ok {
		return nil, "", ErrNotFound
	}
	f, _, err := r.open(a)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("static: read %s: %w", a, err)
	}
	ctype := mime.TypeByExtension(path.Ext(a.Name))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	return data, ctype, nil
}

func (r *Resolver) open(a Asset) (fs.File, fs.FileInfo, error) {
	if a.mount < 0 || a.mount >= len(r.mounts) {
		return nil, nil, ErrNotFound
	}
	f, err := r.mounts[a.mount].FS.Open(a.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrNotFound, a, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	return f, info, nil
}

// match returns the name within m.FS that urlPath maps to.
func (m Mount) match(urlPath string) (string, bool) {
	if m.alias() {
		if strings.TrimSuffix(urlPath, "/") != strings.TrimSuffix(m.Path, "/") {
			return "", false
		}
		return cleanName(m.File)
	}

	var rel string
	switch {
	case strings.HasPrefix(urlPath, m.Path):
		rel = urlPath[len(m.Path):]
	case urlPath+"/" == m.Path:
		rel = ""
	default:
		return "", false
	}
	return cleanName(rel)
}

// cleanName turns the remainder of a URL path into an fs.FS name. Any
// segment starting with a dot is refused: that covers "..", "." and
// dot-files in one rule.
func cleanName(rel string) (string, bool) {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") || strings.ContainsRune(seg, '\\') {
			return "", false
		}
	}
	name := strings.Trim(path.Clean("/"+rel), "/")
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

// lookup resolves name to a regular file, descending into IndexFile for
// directories. dir reports whether that happened.
func lookup(fsys fs.FS, name string) (file string, dir bool, ok bool) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return "", false, false
	}
	if info.IsDir() {
		dir = true
		name = path.Join(name, IndexFile)
		if info, err = fs.Stat(fsys, name); err != nil {
			return "", false, false
		}
	}
	if !info.Mode().IsRegular() {
		return "", false, false
	}
	return name, dir, true
}
