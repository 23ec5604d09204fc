// Package metadata reads and inspects the YAML documents that describe cases
// and result files. Documents are forwarded verbatim to the service; this
// package only checks the identity fields the upload engine depends on.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document classes with special handling. Any other class is file-level.
const (
	ClassCase        = "case"
	ClassRealization = "realization"
	ClassIteration   = "iteration"
)

// Document is a metadata document as a generic mapping.
type Document map[string]any

// Load reads and parses the YAML document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing metadata file %s: %w", path, err)
	}

	return doc, nil
}

// Parse decodes a YAML (or JSON) document.
func Parse(data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	doc, _ := Sanitize(raw).(map[string]any)

	return Document(doc), nil
}

// SidecarPath returns the metadata file accompanying the result file at
// path, "dir/.name.yml".
func SidecarPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".yml")
}

// Sanitize converts YAML-decoded values into JSON-safe ones: timestamps
// become RFC 3339 strings and maps get string keys.
func Sanitize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Sanitize(val)
		}

		return out
	case Document:
		return Sanitize(map[string]any(t))
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Sanitize(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}

		return out
	default:
		return v
	}
}

// Get returns the value at a dotted path such as "fmu.case.uuid".
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)

	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// String returns the value at path rendered as a string, or "" if absent.
func (d Document) String(path string) string {
	v, ok := d.Get(path)
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// Set stores value at a dotted path, creating intermediate mappings.
func (d Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)

	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}

		cur = next
	}

	cur[parts[len(parts)-1]] = value
}

// Delete removes the value at a dotted path if present.
func (d Document) Delete(path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)

	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}

		cur = next
	}

	delete(cur, parts[len(parts)-1])
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	return Document(deepCopy(map[string]any(d)).(map[string]any))
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}

		return out
	default:
		return v
	}
}

// Class returns the document class.
func (d Document) Class() string {
	return d.String("class")
}

// JSON encodes the document for submission.
func (d Document) JSON() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}
