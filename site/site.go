// Package site holds the mount tables the server ships with. A preset maps a
// directory layout on disk onto static mounts and a not-found policy.
package site

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"lds.li/proxyfront/dispatch"
	"lds.li/proxyfront/static"
	"lds.li/proxyfront/tunnel"
)

const (
	PresetLily     = "lily"
	PresetSiteRoot = "siteroot"
)

// Presets lists the valid preset names.
var Presets = []string{PresetLily, PresetSiteRoot}

// ErrUnknownPreset is returned by Load for a name not in Presets.
var ErrUnknownPreset = errors.New("site: unknown preset")

// Site is a resolved preset.
type Site struct {
	Preset   string
	Mounts   []static.Mount
	NotFound dispatch.NotFound
}

// Resolver returns a static resolver over the site's mounts.
func (s *Site) Resolver() *static.Resolver {
	return static.NewResolver(s.Mounts...)
}

// Load builds the named preset rooted at dir.
func Load(preset, dir string, log logrus.FieldLogger) (*Site, error) {
	switch preset {
	case PresetLily, "":
		return Lily(dir, log)
	case PresetSiteRoot:
		return SiteRoot(dir, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
}

// Lily serves public/ at the root, lily/index.html at "/",
// kelsea/index.html at "/kelsea" and assets/ under "/assets". Files in
// public/ take precedence over the aliases.
func Lily(dir string, log logrus.FieldLogger) (*Site, error) {
	b := builder{dir: dir, log: tunnel.Logger(log).WithField("preset", PresetLily)}
	b.add("public", static.Mount{Path: "/"})
	b.add("lily", static.Mount{Path: "/", File: static.IndexFile})
	b.add("kelsea", static.Mount{Path: "/kelsea", File: static.IndexFile})
	b.add("assets", static.Mount{Path: "/assets/"})
	if b.err != nil {
		return nil, b.err
	}
	return &Site{
		Preset:   PresetLily,
		Mounts:   b.mounts,
		NotFound: dispatch.NotFound{Body: dispatch.DefaultNotFoundBody},
	}, nil
}

// SiteRoot serves public/ at the root and assets/ under "/assets". Misses
// are answered with public/404.html.
func SiteRoot(dir string, log logrus.FieldLogger) (*Site, error) {
	b := builder{dir: dir, log: tunnel.Logger(log).WithField("preset", PresetSiteRoot)}
	b.add("public", static.Mount{Path: "/"})
	b.add("assets", static.Mount{Path: "/assets/"})
	if b.err != nil {
		return nil, b.err
	}
	return &Site{
		Preset: PresetSiteRoot,
		Mounts: b.mounts,
		NotFound: dispatch.NotFound{
			Body:  dispatch.DefaultNotFoundBody,
			Asset: "/404.html",
		},
	}, nil
}

type builder struct {
	dir    string
	log    logrus.FieldLogger
	mounts []static.Mount
	err    error
}

// add mounts dir/sub. A missing directory is skipped with a warning, so a
// partial checkout still serves what it has.
func (b *builder) add(sub string, m static.Mount) {
	if b.err != nil {
		return
	}
	path := filepath.Join(b.dir, sub)
	fsys, err := static.DirFS(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.log.WithField("dir", path).Warn("site directory missing, not mounted")
		return
	}
	if err != nil {
		b.err = err
		return
	}
	m.FS = fsys
	b.mounts = append(b.mounts, m)
}
