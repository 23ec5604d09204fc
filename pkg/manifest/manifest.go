// Package manifest reads the export manifest written by the data export
// step and maintains the upload log that lets a re-run continue after the
// last uploaded manifest entry.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/equinor/fmu-sumo-uploader/pkg/fsutil"
)

// Entry is one exported file.
type Entry struct {
	AbsolutePath string `json:"absolute_path"`
	ExportedAt   string `json:"exported_at"`
}

// Manifest lists exported files in export order.
type Manifest []Entry

// Upload records how far into the manifest a run got.
type Upload struct {
	LastIndexManifest int    `json:"last_index_manifest"`
	Timestamp         string `json:"timestamp"`
}

// Load reads the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading export manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing export manifest %s: %w", path, err)
	}

	return m, nil
}

// LoadUploads reads the upload log at path. A missing log is empty.
func LoadUploads(path string) ([]Upload, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading upload log: %w", err)
	}

	var uploads []Upload
	if err := json.Unmarshal(data, &uploads); err != nil {
		return nil, fmt.Errorf("parsing upload log %s: %w", path, err)
	}

	return uploads, nil
}

// NextIndex returns the first manifest index not yet uploaded. If the last
// log entry no longer matches the manifest (it was rewritten), everything
// is uploaded again from index 0.
func NextIndex(m Manifest, uploads []Upload) int {
	if len(m) == 0 || len(uploads) == 0 {
		return 0
	}

	last := uploads[len(uploads)-1]
	if last.LastIndexManifest < 0 || last.LastIndexManifest >= len(m) {
		return 0
	}

	if m[last.LastIndexManifest].ExportedAt != last.Timestamp {
		return 0
	}

	return last.LastIndexManifest + 1
}

// Pending returns the paths from index next onwards that still exist as
// regular files.
func (m Manifest) Pending(next int) []string {
	if next >= len(m) {
		return nil
	}

	paths := make([]string, 0, len(m)-next)

	for _, e := range m[next:] {
		if fsutil.IsFile(e.AbsolutePath) {
			paths = append(paths, e.AbsolutePath)
		}
	}

	return paths
}

// AppendUpload records that m was uploaded up to its last entry.
func AppendUpload(logPath string, m Manifest) (Upload, error) {
	if len(m) == 0 {
		return Upload{}, errors.New("empty manifest")
	}

	uploads, err := LoadUploads(logPath)
	if err != nil {
		return Upload{}, err
	}

	entry := Upload{
		LastIndexManifest: len(m) - 1,
		Timestamp:         m[len(m)-1].ExportedAt,
	}

	uploads = append(uploads, entry)

	data, err := json.MarshalIndent(uploads, "", "    ")
	if err != nil {
		return Upload{}, fmt.Errorf("encoding upload log: %w", err)
	}

	if err := fsutil.WriteFileAtomic(logPath, data, 0o644); err != nil {
		return Upload{}, fmt.Errorf("writing upload log: %w", err)
	}

	return entry, nil
}
