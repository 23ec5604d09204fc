// Package registrar talks to the Sumo metadata API: it registers documents
// as objects, resolves blob upload locations, deletes objects and runs the
// few searches the uploader needs.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/connection"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/retry"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

const maxResponseBytes = 4 << 20

// ObjectRef identifies a registered object and where its blob goes.
type ObjectRef struct {
	ID   string
	Blob BlobLocation
}

// Registrar registers metadata documents through a shared Connection.
type Registrar struct {
	log    logrus.FieldLogger
	conn   *connection.Connection
	policy retry.Policy
}

// New creates a Registrar.
func New(log logrus.FieldLogger, conn *connection.Connection, policy retry.Policy) *Registrar {
	return &Registrar{
		log:    log.WithField("component", "registrar"),
		conn:   conn,
		policy: policy,
	}
}

type registerResponse struct {
	ObjectID string       `json:"objectid"`
	BlobURL  BlobLocation `json:"blob_url"`
}

// Register validates doc and registers it. Case documents are registered at
// the root; every other document under parentID. A duplicate is reported as
// a KindConflict error carrying the existing object id when known.
func (r *Registrar) Register(ctx context.Context, doc metadata.Document, parentID string) (ObjectRef, error) {
	if err := metadata.Validate(doc); err != nil {
		return ObjectRef{}, err
	}

	path := "/objects"

	if doc.Class() != metadata.ClassCase {
		if parentID == "" {
			return ObjectRef{}, uploaderr.Newf(uploaderr.KindValidation, "register",
				"class %q needs a parent object", doc.Class())
		}

		path = objectPath(parentID)
	}

	body, err := doc.JSON()
	if err != nil {
		return ObjectRef{}, uploaderr.New(uploaderr.KindValidation, "register", err)
	}

	data, err := r.call(ctx, "register", http.MethodPost, path, nil, body)
	if err != nil {
		return ObjectRef{}, err
	}

	var resp registerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ObjectRef{}, uploaderr.New(uploaderr.KindFatal, "register",
			fmt.Errorf("decoding response: %w", err))
	}

	if resp.ObjectID == "" {
		return ObjectRef{}, uploaderr.Newf(uploaderr.KindFatal, "register", "response carries no object id")
	}

	r.log.WithFields(logrus.Fields{
		"class":     doc.Class(),
		"object_id": resp.ObjectID,
	}).Debug("Metadata registered")

	return ObjectRef{ID: resp.ObjectID, Blob: resp.BlobURL}, nil
}

// BlobURL asks the service for a fresh upload location for id.
func (r *Registrar) BlobURL(ctx context.Context, id string) (BlobLocation, error) {
	data, err := r.call(ctx, "blob url", http.MethodGet, objectPath(id)+"/blob/authuri", nil, nil)
	if err != nil {
		return BlobLocation{}, err
	}

	var loc BlobLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		loc = BlobLocation{URL: strings.TrimSpace(string(data))}
	}

	if loc.IsZero() {
		return BlobLocation{}, uploaderr.Newf(uploaderr.KindFatal, "blob url", "empty blob location for %s", id)
	}

	return loc, nil
}

// Delete removes object id. An object that is already gone is not an error.
func (r *Registrar) Delete(ctx context.Context, id string) error {
	_, err := r.call(ctx, "delete", http.MethodDelete, objectPath(id), nil, nil)

	var ue *uploaderr.Error
	if errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound {
		return nil
	}

	return err
}

// Classes looks up ids and returns the class of each one that exists.
func (r *Registrar) Classes(ctx context.Context, ids ...string) (map[string]string, error) {
	body, err := json.Marshal(map[string]any{
		"query":   map[string]any{"ids": map[string]any{"values": ids}},
		"_source": []string{"class"},
		"size":    len(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search: %w", err)
	}

	data, err := r.call(ctx, "search ids", http.MethodPost, "/search", nil, body)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, uploaderr.New(uploaderr.KindFatal, "search ids", fmt.Errorf("decoding response: %w", err))
	}

	classes := make(map[string]string, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		classes[hit.ID] = hit.Source.Class
	}

	return classes, nil
}

// Count returns the number of objects matching a Sumo query string such as
// "fmu.case.uuid:X AND data.content:parameters".
func (r *Registrar) Count(ctx context.Context, query string) (int, error) {
	q := url.Values{}
	q.Set("$query", query)
	q.Set("$size", "0")

	data, err := r.call(ctx, "search", http.MethodGet, "/search", q, nil)
	if err != nil {
		return 0, err
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, uploaderr.New(uploaderr.KindFatal, "search", fmt.Errorf("decoding response: %w", err))
	}

	return resp.Hits.Total.Value, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				Class string `json:"class"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// call runs one API request under the retry policy and returns the body of
// a successful response.
func (r *Registrar) call(
	ctx context.Context, op, method, path string, query url.Values, body []byte,
) ([]byte, error) {
	var out []byte

	err := r.policy.Do(ctx, op, func(ctx context.Context, attempt int) error {
		data, err := r.once(ctx, op, method, path, query, body)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"op":      op,
				"path":    path,
				"attempt": attempt,
			}).WithError(err).Debug("Request failed")

			return err
		}

		out = data

		return nil
	})

	return out, err
}

// once sends a request. A 401 invalidates the token and reissues the
// request a single time before giving up.
func (r *Registrar) once(
	ctx context.Context, op, method, path string, query url.Values, body []byte,
) ([]byte, error) {
	reissued := false

	for {
		req, err := r.conn.NewRequest(ctx, method, path, query, body)
		if err != nil {
			return nil, err
		}

		resp, err := r.conn.Do(req)
		if err != nil {
			return nil, uploaderr.FromTransport(ctx, op, err)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()

		if err != nil {
			return nil, uploaderr.FromTransport(ctx, op, fmt.Errorf("reading response: %w", err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusUnauthorized && !reissued:
			r.conn.Invalidate(connection.TokenFromRequest(req))

			reissued = true

			continue
		case resp.StatusCode == http.StatusConflict:
			e := uploaderr.FromStatus(op, resp.StatusCode, string(data))
			e.ObjectID = conflictObjectID(data)

			return nil, e
		default:
			return nil, uploaderr.FromStatus(op, resp.StatusCode, string(data))
		}
	}
}

func conflictObjectID(data []byte) string {
	var body struct {
		ObjectID string `json:"objectid"`
	}

	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}

	return body.ObjectID
}

func objectPath(id string) string {
	return "/objects('" + id + "')"
}
