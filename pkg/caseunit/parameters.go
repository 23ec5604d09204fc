package caseunit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
)

const parametersQuery = "fmu.case.uuid:%s AND fmu.realization.uuid:%s AND data.content:parameters"

// parametersUnit returns a unit for the realization parameters file when
// one is configured and the service does not hold it yet. It returns nil
// otherwise, logging why.
func (c *Case) parametersUnit(ctx context.Context, parentID string, units []*fileunit.Unit) *fileunit.Unit {
	if c.opts.ParametersPath == "" {
		return nil
	}

	c.mu.Lock()
	done := c.paramsDone
	c.mu.Unlock()

	if done {
		return nil
	}

	u := firstRealizationUnit(units)
	if u == nil {
		return nil
	}

	base := u.Document()
	realizationUUID := base.String("fmu.realization.uuid")
	log := c.log.WithField("realization", realizationUUID)

	n, err := c.reg.Count(ctx, fmt.Sprintf(parametersQuery, c.caseID, realizationUUID))
	if err != nil {
		log.WithError(err).Warn("Failed to look up parameters object")

		return nil
	}

	c.mu.Lock()
	c.paramsDone = true
	c.mu.Unlock()

	if n > 0 {
		log.Debug("Parameters already uploaded")

		return nil
	}

	params, err := parseParametersFile(c.opts.ParametersPath)
	if err != nil {
		log.WithError(err).Warn("Failed to read parameters file")

		return nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		log.WithError(err).Warn("Failed to encode parameters")

		return nil
	}

	doc := parametersDocument(base)

	unit, added := c.AddContent(doc.String("file.relative_path"), data, doc)
	if !added {
		return nil
	}

	log.WithField("key", unit.Key()).Info("Uploading parameters")

	return unit
}

// parametersDocument derives the metadata of the parameters object from a
// file document of the same realization.
func parametersDocument(base metadata.Document) metadata.Document {
	doc := base.Clone()
	doc.Delete("data")
	doc.Delete("file")
	doc.Delete("display")
	doc.Delete("_sumo")

	doc.Set("class", "dictionary")
	doc.Set("data.content", "parameters")
	doc.Set("data.name", "parameters")
	doc.Set("data.format", "json")
	doc.Set("display.name", "parameters")

	realization := base.String("fmu.realization.name")
	iteration := base.String("fmu.iteration.name")

	rel := path.Join(realization, iteration, "parameters.json")
	if realization == "" || iteration == "" {
		rel = "parameters-" + base.String("fmu.realization.uuid") + ".json"
	}

	doc.Set("file.relative_path", rel)

	return doc
}

// parseParametersFile reads a parameters file of "KEY VALUE" lines. A key
// of the form "GROUP:KEY" is nested under GROUP. Numeric values are stored
// as numbers.
func parseParametersFile(name string) (map[string]any, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading parameters: %w", err)
	}

	return parseParameters(data)
}

func parseParameters(data []byte) (map[string]any, error) {
	out := make(map[string]any, 32)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected KEY VALUE, got %q", lineNo, scanner.Text())
		}

		key, value := fields[0], parameterValue(fields[1])

		group, name, nested := strings.Cut(key, ":")
		if !nested {
			out[key] = value

			continue
		}

		sub, ok := out[group].(map[string]any)
		if !ok {
			sub = make(map[string]any, 8)
			out[group] = sub
		}

		sub[name] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning parameters: %w", err)
	}

	return out, nil
}

func parameterValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return s
}
