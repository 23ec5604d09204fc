package caseunit

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// Stats summarizes a set of durations in seconds.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std"`
}

func newStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	s := Stats{Count: len(durations), Min: math.Inf(1), Max: math.Inf(-1)}

	var sum float64

	for _, d := range durations {
		v := d.Seconds()
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}

	s.Mean = sum / float64(s.Count)

	// Sample standard deviation, zero for a single value.
	if s.Count < 2 {
		return s
	}

	var sq float64
	for _, d := range durations {
		diff := d.Seconds() - s.Mean
		sq += diff * diff
	}

	s.StdDev = math.Sqrt(sq / float64(s.Count-1))

	return s
}

// Summary is the outcome of one Upload call.
type Summary struct {
	CaseID   string `json:"case_id"`
	ObjectID string `json:"object_id"`

	Total    int   `json:"total"`
	Uploaded int   `json:"uploaded"`
	Skipped  int   `json:"skipped"`
	Failed   int   `json:"failed"`
	Bytes    int64 `json:"bytes"`

	WallTime      time.Duration `json:"wall_time"`
	MetadataStats Stats         `json:"metadata_stats"`
	BlobStats     Stats         `json:"blob_stats"`

	// Failures counts failed files by error kind.
	Failures map[uploaderr.Kind]int `json:"failures,omitempty"`
	// Results holds the result of every submitted file.
	Results []fileunit.Result `json:"-"`
}

// FailedFile is one failed file as written to the JSON summary.
type FailedFile struct {
	Key   string         `json:"key"`
	Kind  uploaderr.Kind `json:"kind"`
	Error string         `json:"error"`
}

// FailedFiles lists every failed file with its error kind and message.
func (s Summary) FailedFiles() []FailedFile {
	var out []FailedFile

	for _, res := range s.Results {
		if !res.Failed() {
			continue
		}

		f := FailedFile{Key: res.Key, Kind: res.Kind}
		if f.Kind == "" {
			f.Kind = uploaderr.KindCancelled
		}

		if res.Err != nil {
			f.Error = res.Err.Error()
		}

		out = append(out, f)
	}

	return out
}

// MarshalJSON adds the failed files to the encoded summary.
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary

	return json.Marshal(struct {
		plain
		FailedFiles []FailedFile `json:"failed_files,omitempty"`
	}{plain: plain(s), FailedFiles: s.FailedFiles()})
}

// OK reports whether no file failed.
func (s Summary) OK() bool { return s.Failed == 0 }

// String renders a one-line report.
func (s Summary) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d/%d uploaded (%s), %d skipped, %d failed in %s",
		s.Uploaded, s.Total, units.HumanSize(float64(s.Bytes)),
		s.Skipped, s.Failed, s.WallTime.Round(time.Millisecond))

	if s.WallTime > 0 && s.Bytes > 0 {
		fmt.Fprintf(&b, ", %s/s", units.HumanSize(float64(s.Bytes)/s.WallTime.Seconds()))
	}

	return b.String()
}

// Log writes the summary and every failure to log.
func (s Summary) Log(log logrus.FieldLogger) {
	for _, res := range s.Results {
		if !res.Failed() {
			continue
		}

		log.WithFields(logrus.Fields{
			"key":  res.Key,
			"kind": res.Kind,
		}).WithError(res.Err).Warn("File upload failed")
	}

	entry := log.WithFields(logrus.Fields{
		"uploaded":      s.Uploaded,
		"skipped":       s.Skipped,
		"failed":        s.Failed,
		"bytes":         s.Bytes,
		"wall_time":     s.WallTime.Round(time.Millisecond),
		"metadata_mean": fmt.Sprintf("%.3fs", s.MetadataStats.Mean),
		"blob_mean":     fmt.Sprintf("%.3fs", s.BlobStats.Mean),
	})

	if s.OK() {
		entry.Info(s.String())

		return
	}

	entry.Warn(s.String())
}

func (c *Case) summarize(submitted, skipped []*fileunit.Unit, wall time.Duration) Summary {
	s := Summary{
		CaseID:   c.caseID,
		ObjectID: c.ObjectID(),
		Total:    len(submitted) + len(skipped),
		Skipped:  len(skipped),
		WallTime: wall,
		Results:  make([]fileunit.Result, 0, len(submitted)),
	}

	var metaTimes, blobTimes []time.Duration

	for _, u := range submitted {
		res := u.Result()
		s.Results = append(s.Results, res)

		switch res.Status {
		case fileunit.StatusUploaded:
			s.Uploaded++
			s.Bytes += res.Bytes
			metaTimes = append(metaTimes, res.MetadataElapsed)
			blobTimes = append(blobTimes, res.BlobElapsed)
		default:
			s.Failed++

			if s.Failures == nil {
				s.Failures = make(map[uploaderr.Kind]int, 4)
			}

			kind := res.Kind
			if kind == "" {
				kind = uploaderr.KindCancelled
			}

			s.Failures[kind]++
		}
	}

	s.MetadataStats = newStats(metaTimes)
	s.BlobStats = newStats(blobTimes)

	return s
}
