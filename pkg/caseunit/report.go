package caseunit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/equinor/fmu-sumo-uploader/pkg/fsutil"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// MaxMarkdownChars keeps reports within the size CI step summaries accept.
const MaxMarkdownChars = 65000

// Markdown renders the summary as a markdown report. The failure table is
// written last and truncated to keep the report under maxChars; zero means
// no limit.
func (s Summary) Markdown(maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	fmt.Fprintf(&sb, "# Sumo upload: %s\n\n", s.CaseID)

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(&sb, "| Case object | `%s` |\n", s.ObjectID)
	fmt.Fprintf(&sb, "| Files | %d |\n", s.Total)
	fmt.Fprintf(&sb, "| Uploaded | %d |\n", s.Uploaded)
	fmt.Fprintf(&sb, "| Skipped | %d |\n", s.Skipped)
	fmt.Fprintf(&sb, "| Failed | %d |\n", s.Failed)
	fmt.Fprintf(&sb, "| Size | %s |\n", units.HumanSize(float64(s.Bytes)))
	fmt.Fprintf(&sb, "| Duration | %s |\n", s.WallTime.Round(time.Millisecond))
	sb.WriteByte('\n')

	if s.MetadataStats.Count > 0 {
		sb.WriteString("## Timings\n\n")
		sb.WriteString("| Step | Mean | Min | Max | Std |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		writeStatsRow(&sb, "Metadata", s.MetadataStats)
		writeStatsRow(&sb, "Blob", s.BlobStats)
		sb.WriteByte('\n')
	}

	if len(s.Failures) > 0 {
		kinds := make([]string, 0, len(s.Failures))
		for kind := range s.Failures {
			kinds = append(kinds, string(kind))
		}

		sort.Strings(kinds)

		sb.WriteString("## Failures by kind\n\n")
		sb.WriteString("| Kind | Files |\n")
		sb.WriteString("|---|---|\n")

		for _, kind := range kinds {
			fmt.Fprintf(&sb, "| %s | %d |\n", kind, s.Failures[uploaderr.Kind(kind)])
		}

		sb.WriteByte('\n')
	}

	s.writeFailedFiles(&sb, maxChars)

	return sb.String()
}

func writeStatsRow(sb *strings.Builder, name string, st Stats) {
	fmt.Fprintf(sb, "| %s | %.3fs | %.3fs | %.3fs | %.3fs |\n", name, st.Mean, st.Min, st.Max, st.StdDev)
}

func (s Summary) writeFailedFiles(sb *strings.Builder, maxChars int) {
	failed := make([]int, 0, s.Failed)

	for i, res := range s.Results {
		if res.Failed() {
			failed = append(failed, i)
		}
	}

	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed files\n\n")
	sb.WriteString("| File | Kind | Error |\n")
	sb.WriteString("|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for n, i := range failed {
		res := s.Results[i]

		msg := ""
		if res.Err != nil {
			msg = strings.ReplaceAll(res.Err.Error(), "|", `\|`)
		}

		row := fmt.Sprintf("| %s | %s | %s |\n", res.Key, res.Kind, msg)

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb, "\n*%d more failed file(s) not shown (output truncated at %d chars)*\n",
				len(failed)-n, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// WriteFile writes the summary to path, as markdown when path ends in
// ".md" and as JSON otherwise.
func (s Summary) WriteFile(path string) error {
	var data []byte

	if strings.EqualFold(filepath.Ext(path), ".md") {
		data = []byte(s.Markdown(MaxMarkdownChars))
	} else {
		var err error

		data, err = json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	return nil
}
