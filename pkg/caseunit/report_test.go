package caseunit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

func sampleSummary(failed int) Summary {
	s := Summary{
		CaseID:        "case-1",
		ObjectID:      "obj-1",
		Total:         2 + failed,
		Uploaded:      2,
		Failed:        failed,
		Bytes:         2048,
		WallTime:      1500 * time.Millisecond,
		MetadataStats: Stats{Count: 2, Mean: 0.1, Min: 0.05, Max: 0.15, StdDev: 0.05},
		BlobStats:     Stats{Count: 2, Mean: 0.5, Min: 0.4, Max: 0.6, StdDev: 0.1},
	}

	if failed > 0 {
		s.Failures = map[uploaderr.Kind]int{uploaderr.KindTransient: failed}
	}

	for i := range failed {
		s.Results = append(s.Results, fileunit.Result{
			Key:    "maps/file-" + string(rune('a'+i%26)) + ".gri",
			Status: fileunit.StatusFailed,
			Kind:   uploaderr.KindTransient,
			Err:    errors.New("blob put | 503"),
		})
	}

	return s
}

func TestSummaryMarkdown(t *testing.T) {
	md := sampleSummary(1).Markdown(0)

	assert.True(t, strings.HasPrefix(md, "# Sumo upload: case-1\n"))
	assert.Contains(t, md, "| Uploaded | 2 |")
	assert.Contains(t, md, "| Size | 2.048kB |")
	assert.Contains(t, md, "| Metadata | 0.100s |")
	assert.Contains(t, md, "| transient | 1 |")
	assert.Contains(t, md, `| maps/file-a.gri | transient | blob put \| 503 |`)

	clean := sampleSummary(0).Markdown(0)
	assert.NotContains(t, clean, "Failed files")
}

func TestSummaryMarkdownTruncates(t *testing.T) {
	md := sampleSummary(200).Markdown(2000)

	assert.LessOrEqual(t, len(md), 2000)
	assert.Contains(t, md, "more failed file(s) not shown")
}

func TestSummaryWriteFile(t *testing.T) {
	dir := t.TempDir()
	s := sampleSummary(1)

	jsonPath := filepath.Join(dir, "summary.json")
	require.NoError(t, s.WriteFile(jsonPath))

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "case-1", got["case_id"])
	assert.InDelta(t, 1, got["failed"], 0)

	var failed struct {
		FailedFiles []FailedFile `json:"failed_files"`
	}
	require.NoError(t, json.Unmarshal(data, &failed))
	assert.Equal(t, []FailedFile{{
		Key:   "maps/file-a.gri",
		Kind:  uploaderr.KindTransient,
		Error: "blob put | 503",
	}}, failed.FailedFiles)

	require.NoError(t, sampleSummary(0).WriteFile(jsonPath))

	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "failed_files")

	mdPath := filepath.Join(dir, "summary.md")
	require.NoError(t, s.WriteFile(mdPath))

	data, err = os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Failed files")
}
