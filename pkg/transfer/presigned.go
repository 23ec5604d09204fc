package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// BlobDoer sends requests to pre-signed blob URLs.
type BlobDoer interface {
	DoBlob(req *http.Request) (*http.Response, error)
}

// PresignedStore PUTs payloads to the blob URL handed out at registration.
// The URL carries its own authorization.
type PresignedStore struct {
	client BlobDoer
}

var _ Store = (*PresignedStore)(nil)

// NewPresignedStore creates a store that sends through client, usually a
// *connection.Connection so blob writes share the request throttle.
func NewPresignedStore(client BlobDoer) *PresignedStore {
	return &PresignedStore{client: client}
}

// Name implements Store.
func (p *PresignedStore) Name() string { return "presigned" }

// RequiresURL implements Store.
func (p *PresignedStore) RequiresURL() bool { return true }

// Put implements Store.
func (p *PresignedStore) Put(
	ctx context.Context, target Target, suffix string, ref content.Ref, body io.Reader,
) (Ack, error) {
	const op = "blob upload"

	dest, err := target.Blob.For(target.ObjectID, suffix)
	if err != nil {
		return Ack{}, uploaderr.New(uploaderr.KindFatal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, io.NopCloser(body))
	if err != nil {
		return Ack{}, uploaderr.New(uploaderr.KindFatal, op, fmt.Errorf("building request: %w", err))
	}

	req.ContentLength = ref.Length()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-MD5", content.Base64MD5(ref))
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := p.client.DoBlob(req)
	if err != nil {
		return Ack{}, uploaderr.FromTransport(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := uploaderr.FromStatus(op, resp.StatusCode, string(data))
		if readErr != nil {
			e.Err = fmt.Errorf("%w (reading response body: %w)", e.Err, readErr)
		}

		switch {
		// Azure rejects a Content-MD5 that does not match the body with 400.
		case resp.StatusCode == http.StatusBadRequest && strings.Contains(string(data), "Md5Mismatch"):
			e.Kind = uploaderr.KindIntegrity
		// A refused signature concerns this URL only, not the session.
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			e.Kind = uploaderr.KindFatal
		}

		return Ack{}, e
	}

	return Ack{MD5: decodeMD5Header(resp.Header.Get("Content-MD5"))}, nil
}

func decodeMD5Header(v string) []byte {
	if v == "" {
		return nil
	}

	sum, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(sum) != 16 {
		return nil
	}

	return sum
}
