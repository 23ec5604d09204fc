package caseunit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/manifest"
)

// Selector picks local files for a case.
type Selector interface {
	resolve(c *Case) ([]string, error)
}

type globSelector []string

// Glob selects files matching shell patterns. Relative patterns are taken
// from the case root. A "**" segment matches any number of directories.
// Hidden files never match.
func Glob(patterns ...string) Selector { return globSelector(patterns) }

func (g globSelector) resolve(c *Case) ([]string, error) {
	var out []string

	for _, pattern := range g {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(c.root, pattern)
		}

		matches, err := glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", pattern, err)
		}

		out = append(out, matches...)
	}

	return out, nil
}

type pathSelector []string

// Paths selects an explicit list of files.
func Paths(paths ...string) Selector { return pathSelector(paths) }

func (p pathSelector) resolve(c *Case) ([]string, error) {
	out := make([]string, 0, len(p))

	for _, path := range p {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.root, path)
		}

		out = append(out, path)
	}

	return out, nil
}

type manifestSelector string

// Manifest selects the files of the export manifest at path that were
// exported after the last recorded upload. A successful upload appends to
// the upload log next to the manifest.
func Manifest(path string) Selector { return manifestSelector(path) }

func (m manifestSelector) resolve(c *Case) ([]string, error) {
	path := string(m)
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.root, path)
	}

	exported, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(filepath.Dir(path), c.opts.UploadsLogName)

	uploads, err := manifest.LoadUploads(logPath)
	if err != nil {
		return nil, err
	}

	next := manifest.NextIndex(exported, uploads)

	c.log.WithFields(logrus.Fields{
		"manifest":   path,
		"entries":    len(exported),
		"next_index": next,
	}).Info("Reading export manifest")

	c.mu.Lock()
	c.exported = &exportState{manifest: exported, logPath: logPath}
	c.mu.Unlock()

	return exported.Pending(next), nil
}

// AddFiles adds the files chosen by sel and returns how many new units were
// created. Files without readable metadata are skipped with a warning;
// files whose key is already tracked are ignored.
func (c *Case) AddFiles(sel Selector) (int, error) {
	paths, err := sel.resolve(c)
	if err != nil {
		return 0, err
	}

	added := 0

	for _, path := range paths {
		u, err := fileunit.FromDisk(c.caseID, c.root, path)
		if err != nil {
			c.log.WithField("path", path).WithError(err).Warn("No metadata, skipping file")

			continue
		}

		if _, ok := c.add(u); !ok {
			c.log.WithField("key", u.Key()).Debug("File already tracked")

			continue
		}

		added++
	}

	c.log.WithFields(logrus.Fields{
		"matched": len(paths),
		"added":   added,
	}).Info("Files added")

	return added, nil
}

// glob expands pattern, where "**" matches any number of directories.
// Hidden files, and files below hidden directories, are left out.
func glob(pattern string) ([]string, error) {
	base, rel := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if !doublestar.ValidatePattern(rel) {
		return nil, fmt.Errorf("%w: %s", doublestar.ErrBadPattern, pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), rel, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(matches))

	for _, m := range matches {
		if hiddenPath(m) {
			continue
		}

		out = append(out, filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m)))
	}

	sort.Strings(out)

	return out, nil
}

func hiddenPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}

	return false
}
