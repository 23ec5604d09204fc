// Package transfer writes blob payloads for registered objects. A Store
// does the actual write; Transfer adds retries, checksum verification and
// derived payloads on top.
package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/registrar"
	"github.com/equinor/fmu-sumo-uploader/pkg/retry"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// Target addresses the payload of a registered object.
type Target struct {
	ObjectID string
	// Blob is the location returned at registration. Stores that write to
	// their own bucket ignore it.
	Blob registrar.BlobLocation
	// Format is the document's data.format. Derivers are picked by it.
	Format string
}

// Ack is what a store reports back about a write. MD5 is nil when the
// store does not acknowledge a checksum.
type Ack struct {
	MD5 []byte
}

// Store writes one payload.
type Store interface {
	// Name identifies the backend in logs.
	Name() string
	// RequiresURL reports whether Put needs Target.Blob.
	RequiresURL() bool
	// Put writes body, which holds exactly ref.Length() bytes of ref.
	// suffix is empty for the primary payload. Errors are classified.
	Put(ctx context.Context, target Target, suffix string, ref content.Ref, body io.Reader) (Ack, error)
}

// Result describes a finished transfer.
type Result struct {
	Bytes    int64
	Attempts int
	// Derived lists the suffixes of derived payloads that were written.
	Derived []string
	Elapsed time.Duration
}

// Transfer uploads payloads through a Store.
type Transfer struct {
	log      logrus.FieldLogger
	store    Store
	policy   retry.Policy
	derivers []Deriver
}

// New creates a Transfer.
func New(log logrus.FieldLogger, store Store, policy retry.Policy, derivers ...Deriver) *Transfer {
	return &Transfer{
		log:      log.WithField("component", "transfer").WithField("store", store.Name()),
		store:    store,
		policy:   policy,
		derivers: derivers,
	}
}

// RequiresURL reports whether uploads need the registration's blob location.
func (t *Transfer) RequiresURL() bool {
	return t.store.RequiresURL()
}

// Upload writes ref as the primary payload of target, then any derived
// payloads that apply to target.Format. A failed derived payload after a
// successful primary yields KindPartialFailure.
func (t *Transfer) Upload(ctx context.Context, target Target, ref content.Ref) (Result, error) {
	start := time.Now()

	attempts, err := t.put(ctx, target, "", ref)

	res := Result{Attempts: attempts}

	if err != nil {
		res.Elapsed = time.Since(start)

		return res, err
	}

	res.Bytes = ref.Length()

	for _, d := range t.derivers {
		if !d.Applies(target.Format) {
			continue
		}

		if err := t.derive(ctx, target, ref, d); err != nil {
			res.Elapsed = time.Since(start)

			return res, uploaderr.New(uploaderr.KindPartialFailure, "derived upload",
				fmt.Errorf("%s payload for %s: %w", d.Suffix(), target.ObjectID, err))
		}

		res.Derived = append(res.Derived, d.Suffix())
	}

	res.Elapsed = time.Since(start)

	return res, nil
}

func (t *Transfer) derive(ctx context.Context, target Target, ref content.Ref, d Deriver) error {
	derived, err := d.Derive(ref)
	if err != nil {
		return err
	}

	_, err = t.put(ctx, target, d.Suffix(), derived)

	return err
}

// put writes one payload under the retry policy. Every attempt reopens ref
// from the start.
func (t *Transfer) put(ctx context.Context, target Target, suffix string, ref content.Ref) (int, error) {
	var attempts int

	log := t.log.WithFields(logrus.Fields{
		"object_id": target.ObjectID,
		"payload":   ref.Name(),
	})

	err := t.policy.Do(ctx, "blob upload", func(ctx context.Context, attempt int) error {
		attempts = attempt

		body, err := ref.Open()
		if err != nil {
			return uploaderr.New(uploaderr.KindFatal, "blob upload", fmt.Errorf("opening payload: %w", err))
		}
		defer func() { _ = body.Close() }()

		ack, err := t.store.Put(ctx, target, suffix, ref, body)
		if err != nil {
			log.WithField("attempt", attempt).WithError(err).Debug("Blob write failed")

			return err
		}

		if ack.MD5 != nil && !bytes.Equal(ack.MD5, ref.Checksum()) {
			return uploaderr.Newf(uploaderr.KindIntegrity, "blob upload",
				"checksum mismatch: local %s, remote %s", content.HexMD5(ref), hex.EncodeToString(ack.MD5))
		}

		return nil
	})
	if err != nil {
		return attempts, err
	}

	log.WithField("bytes", ref.Length()).Debug("Blob written")

	return attempts, nil
}
