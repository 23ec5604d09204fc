package caseunit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/fsutil"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
	"github.com/equinor/fmu-sumo-uploader/pkg/manifest"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// Upload submits every file not yet uploaded, at most concurrency at a
// time. Per-file failures are reported in the summary, never as an error.
// Upload returns an error only when the case is not registered, when
// authentication fails (the remaining files are cancelled), or when ctx
// ends. Calling it again retries only failed and pending files.
func (c *Case) Upload(ctx context.Context, concurrency int) (Summary, error) {
	parentID := c.ObjectID()
	if parentID == "" {
		return Summary{}, fmt.Errorf("uploading case %s: %w", c.caseID, ErrNotRegistered)
	}

	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	start := time.Now()

	pending, skipped := c.partition(ctx)

	if len(pending) > 0 {
		c.prepareEnsemble(ctx, parentID, pending)

		if u := c.parametersUnit(ctx, parentID, pending); u != nil {
			pending = append(pending, u)
		}
	}

	c.log.WithFields(logrus.Fields{
		"pending":     len(pending),
		"skipped":     len(skipped),
		"concurrency": concurrency,
	}).Info("Uploading files")

	deps := fileunit.Deps{
		Log:       c.log,
		Registrar: c.reg,
		Transfer:  c.xfer,
		ParentID:  parentID,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, u := range pending {
		g.Go(func() error {
			// Check for cancellation before starting work.
			if err := gCtx.Err(); err != nil {
				u.MarkCancelled(context.Cause(gCtx))

				return nil
			}

			res := u.Submit(gCtx, deps)

			switch {
			case res.Kind == uploaderr.KindAuthentication:
				return res.Err
			case res.Status == fileunit.StatusUploaded:
				c.afterUpload(gCtx, u, res)
			}

			return nil
		})
	}

	authErr := g.Wait()

	summary := c.summarize(pending, skipped, time.Since(start))

	if summary.Uploaded > 0 {
		c.appendUploadLog()
	}

	summary.Log(c.log)

	if authErr != nil {
		return summary, fmt.Errorf("uploading case %s: %w", c.caseID, authErr)
	}

	if err := ctx.Err(); err != nil {
		return summary, uploaderr.New(uploaderr.KindCancelled, "upload", err)
	}

	return summary, nil
}

// partition splits the tracked units into those that need submitting and
// those already uploaded, by this process or, per the ledger, by an
// earlier one.
func (c *Case) partition(ctx context.Context) ([]*fileunit.Unit, []*fileunit.Unit) {
	var pending, skipped []*fileunit.Unit

	for _, u := range c.Files() {
		if u.Status() == fileunit.StatusUploaded {
			skipped = append(skipped, u)

			continue
		}

		if entry := c.ledgerEntry(ctx, u); entry != nil {
			u.MarkUploaded(entry.ObjectID)
			c.removeLocal(u)
			skipped = append(skipped, u)

			continue
		}

		pending = append(pending, u)
	}

	return pending, skipped
}

// ledgerEntry returns the recorded upload of u if its content is unchanged.
func (c *Case) ledgerEntry(ctx context.Context, u *fileunit.Unit) *ledger.Entry {
	if c.opts.Ledger == nil {
		return nil
	}

	entry, err := c.opts.Ledger.Lookup(ctx, c.opts.Env, c.caseID, u.Key())
	if err != nil {
		c.log.WithField("key", u.Key()).WithError(err).Warn("Ledger lookup failed")

		return nil
	}

	if entry == nil || entry.ChecksumMD5 != content.HexMD5(u.Ref()) {
		return nil
	}

	return entry
}

// afterUpload records the upload and, in move mode, removes the local copy.
func (c *Case) afterUpload(ctx context.Context, u *fileunit.Unit, res fileunit.Result) {
	log := c.log.WithField("key", u.Key())

	if c.opts.Ledger != nil {
		c.ledgerMu.Lock()
		err := c.opts.Ledger.Record(context.WithoutCancel(ctx), &ledger.Entry{
			Env:         c.opts.Env,
			CaseUUID:    c.caseID,
			Key:         u.Key(),
			ObjectID:    res.ObjectID,
			ChecksumMD5: content.HexMD5(u.Ref()),
			Bytes:       res.Bytes,
			UploadedAt:  time.Now().UTC(),
		})
		c.ledgerMu.Unlock()

		if err != nil {
			log.WithError(err).Warn("Failed to record upload in ledger")
		}
	}

	c.removeLocal(u)
}

// removeLocal deletes the local file and its sidecar of an uploaded unit
// in move mode.
func (c *Case) removeLocal(u *fileunit.Unit) {
	if c.opts.Mode != config.ModeMove || u.Path() == "" {
		return
	}

	log := c.log.WithField("key", u.Key())

	if err := fsutil.Remove(u.Path(), u.SidecarPath()); err != nil {
		log.WithError(err).Warn("Failed to remove uploaded file")

		return
	}

	log.Debug("Local file removed")
}

// appendUploadLog marks the manifest read by AddFiles as uploaded.
func (c *Case) appendUploadLog() {
	c.mu.Lock()
	state := c.exported
	c.mu.Unlock()

	if state == nil || len(state.manifest) == 0 {
		return
	}

	entry, err := manifest.AppendUpload(state.logPath, state.manifest)
	if err != nil {
		c.log.WithError(err).Warn("Failed to update upload log")

		return
	}

	c.log.WithFields(logrus.Fields{
		"log":        state.logPath,
		"last_index": entry.LastIndexManifest,
	}).Info("Upload log updated")
}
