package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

const surfaceYAML = `
class: surface
fmu:
  case:
    uuid: 8bb56d60-8758-481a-89a4-6bac8561d38e
    name: drogon_ahm
  realization:
    uuid: 2f4bb220-9ee5-4a7e-a2b5-1a13fd3b3c42
    id: 0
file:
  relative_path: realization-0/iter-0/share/results/maps/topvolantis--ds_extract.gri
  checksum_md5: 5eb63bbbe01eeed093cb22bb8f5acdc3
data:
  format: irap_binary
tracklog:
  - datetime: 2024-03-01T10:11:12Z
    event: created
`

func TestParseAndGet(t *testing.T) {
	doc, err := Parse([]byte(surfaceYAML))
	require.NoError(t, err)

	assert.Equal(t, "surface", doc.Class())
	assert.Equal(t, "8bb56d60-8758-481a-89a4-6bac8561d38e", doc.String("fmu.case.uuid"))
	assert.Equal(t, "0", doc.String("fmu.realization.id"))
	assert.Empty(t, doc.String("fmu.iteration.uuid"))

	// Timestamps are rendered as strings so the document is JSON-safe.
	tracklog, ok := doc.Get("tracklog")
	require.True(t, ok)

	entry := tracklog.([]any)[0].(map[string]any)
	assert.Equal(t, "2024-03-01T10:11:12Z", entry["datetime"])

	_, err = doc.JSON()
	require.NoError(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte(""))
	require.Error(t, err)

	_, err = Parse([]byte("key: [unterminated"))
	require.Error(t, err)
}

func TestSetDeleteClone(t *testing.T) {
	doc := Document{"class": "surface"}

	doc.Set("_sumo.blob_size", 42)
	doc.Set("file.checksum_md5", "abc")
	assert.Equal(t, "42", doc.String("_sumo.blob_size"))

	clone := doc.Clone()
	clone.Set("file.checksum_md5", "changed")
	clone.Delete("_sumo")

	assert.Equal(t, "abc", doc.String("file.checksum_md5"))
	assert.Equal(t, "42", doc.String("_sumo.blob_size"))
	_, ok := clone.Get("_sumo.blob_size")
	assert.False(t, ok)

	// Deleting through a missing parent is a no-op.
	clone.Delete("missing.child")
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("share", "results", "maps", ".top.gri.yml"),
		SidecarPath(filepath.Join("share", "results", "maps", "top.gri")))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".top.gri.yml")
	require.NoError(t, os.WriteFile(path, []byte(surfaceYAML), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "surface", doc.Class())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(doc Document)
		wantErr string
	}{
		{
			name:   "valid file document",
			modify: func(Document) {},
		},
		{
			name:    "missing class",
			modify:  func(doc Document) { doc.Delete("class") },
			wantErr: "missing class",
		},
		{
			name:    "missing case uuid",
			modify:  func(doc Document) { doc.Delete("fmu.case.uuid") },
			wantErr: "missing fmu.case.uuid",
		},
		{
			name:    "malformed case uuid",
			modify:  func(doc Document) { doc.Set("fmu.case.uuid", "not-a-uuid") },
			wantErr: "is not a uuid",
		},
		{
			name:    "missing relative path",
			modify:  func(doc Document) { doc.Delete("file.relative_path") },
			wantErr: "file.relative_path",
		},
		{
			name:    "missing checksum",
			modify:  func(doc Document) { doc.Delete("file.checksum_md5") },
			wantErr: "file.checksum_md5",
		},
		{
			name: "case document needs no file section",
			modify: func(doc Document) {
				doc.Set("class", ClassCase)
				doc.Delete("file")
			},
		},
		{
			name: "realization document needs no file section",
			modify: func(doc Document) {
				doc.Set("class", ClassRealization)
				doc.Delete("file")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(surfaceYAML))
			require.NoError(t, err)

			tt.modify(doc)

			err = Validate(doc)
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.True(t, uploaderr.Is(err, uploaderr.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIdentity(t *testing.T) {
	doc, err := Parse([]byte(surfaceYAML))
	require.NoError(t, err)

	id, err := doc.Identity()
	require.NoError(t, err)

	assert.Equal(t, "8bb56d60-8758-481a-89a4-6bac8561d38e", id.FMU.Case.UUID)
	assert.Equal(t, "2f4bb220-9ee5-4a7e-a2b5-1a13fd3b3c42", id.FMU.Realization.UUID)
	assert.Equal(t, "irap_binary", id.Data.Format)
	assert.True(t, id.IsFileLevel())
}
