// Package fileunit tracks one result file and its metadata document through
// registration and blob upload.
package fileunit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/registrar"
	"github.com/equinor/fmu-sumo-uploader/pkg/transfer"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// Status is the lifecycle state of a unit.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRegistered Status = "metadata_registered"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
)

const cleanupTimeout = 30 * time.Second

// Registrar is what a unit needs from the metadata API.
type Registrar interface {
	Register(ctx context.Context, doc metadata.Document, parentID string) (registrar.ObjectRef, error)
	BlobURL(ctx context.Context, id string) (registrar.BlobLocation, error)
	Delete(ctx context.Context, id string) error
}

// Transfer is what a unit needs from the blob transfer.
type Transfer interface {
	RequiresURL() bool
	Upload(ctx context.Context, target transfer.Target, ref content.Ref) (transfer.Result, error)
}

// Deps are the collaborators of Submit.
type Deps struct {
	Log       logrus.FieldLogger
	Registrar Registrar
	Transfer  Transfer
	// ParentID is the remote case object id.
	ParentID string
}

// Result is the outcome of the latest submission.
type Result struct {
	Key      string
	Status   Status
	ObjectID string
	Bytes    int64
	Kind     uploaderr.Kind
	Err      error

	MetadataElapsed time.Duration
	BlobElapsed     time.Duration
	Elapsed         time.Duration
}

// Failed reports whether the result is a failure.
func (r Result) Failed() bool { return r.Status == StatusFailed }

// Unit is one file paired with its metadata document.
type Unit struct {
	caseID  string
	key     string
	ref     content.Ref
	doc     metadata.Document
	path    string
	sidecar string

	mu       sync.Mutex
	status   Status
	objectID string
	result   Result
}

// New creates a unit for ref. doc is copied and stamped with the blob size
// and checksum the service uses to verify the payload.
func New(caseID, key string, ref content.Ref, doc metadata.Document) *Unit {
	own := doc.Clone()
	own.Set("_sumo.blob_size", ref.Length())
	own.Set("_sumo.blob_md5", content.Base64MD5(ref))

	if key == "" {
		key = own.String("file.relative_path")
	}

	if key == "" {
		key = ref.Name()
	}

	u := &Unit{
		caseID: caseID,
		key:    key,
		ref:    ref,
		doc:    own,
		status: StatusPending,
	}

	if disk, ok := ref.(*content.DiskRef); ok {
		u.path = disk.Path()
	}

	u.result = Result{Key: key, Status: StatusPending}

	return u
}

// FromDisk creates a unit for the file at path, reading its metadata from
// the hidden sidecar next to it. The key is file.relative_path, falling
// back to the path relative to root.
func FromDisk(caseID, root, path string) (*Unit, error) {
	sidecar := metadata.SidecarPath(path)

	doc, err := metadata.Load(sidecar)
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %s: %w", path, err)
	}

	ref, err := content.NewDiskRef(path)
	if err != nil {
		return nil, err
	}

	key := doc.String("file.relative_path")
	if key == "" {
		if rel, err := filepath.Rel(root, ref.Path()); err == nil {
			key = filepath.ToSlash(rel)
		}
	}

	u := New(caseID, key, ref, doc)
	u.sidecar = sidecar

	return u, nil
}

// FromMemory creates a unit for bytes produced in memory. The document's
// file.checksum_md5 is set from data and file.absolute_path is cleared,
// since there is no local file.
func FromMemory(caseID, name string, data []byte, doc metadata.Document) *Unit {
	ref := content.NewMemoryRef(name, data)

	own := doc.Clone()
	own.Set("file.checksum_md5", content.HexMD5(ref))
	own.Set("file.absolute_path", "")

	return New(caseID, "", ref, own)
}

// Key identifies the unit within its case.
func (u *Unit) Key() string { return u.key }

// CaseID returns the case uuid the unit belongs to.
func (u *Unit) CaseID() string { return u.caseID }

// Ref returns the payload reference.
func (u *Unit) Ref() content.Ref { return u.ref }

// Path is the local file, or "" for in-memory units.
func (u *Unit) Path() string { return u.path }

// SidecarPath is the local metadata file, or "".
func (u *Unit) SidecarPath() string { return u.sidecar }

// Document returns a copy of the metadata document as it will be sent.
func (u *Unit) Document() metadata.Document { return u.doc.Clone() }

// Status returns the current state.
func (u *Unit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.status
}

// ObjectID returns the remote object id once registered.
func (u *Unit) ObjectID() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.objectID
}

// Result returns the outcome of the latest submission.
func (u *Unit) Result() Result {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.result
}

// MarkUploaded records a completed upload without contacting the service,
// used when a previous run already uploaded identical content.
func (u *Unit) MarkUploaded(objectID string) Result {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.status = StatusUploaded
	u.objectID = objectID
	u.result = Result{Key: u.key, Status: StatusUploaded, ObjectID: objectID}

	return u.result
}

// MarkCancelled fails a unit that was never submitted because the run was
// cancelled. Uploaded units are left alone.
func (u *Unit) MarkCancelled(cause error) Result {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.status == StatusUploaded {
		return u.result
	}

	err := uploaderr.New(uploaderr.KindCancelled, "upload", cause)
	u.status = StatusFailed
	u.result = Result{Key: u.key, Status: StatusFailed, ObjectID: u.objectID, Kind: uploaderr.KindCancelled, Err: err}

	return u.result
}

// Submit registers the metadata and uploads the payload. An uploaded unit
// returns its cached result without any calls; any other unit starts over
// with a fresh registration.
func (u *Unit) Submit(ctx context.Context, deps Deps) Result {
	u.mu.Lock()
	if u.status == StatusUploaded {
		res := u.result
		u.mu.Unlock()

		return res
	}

	u.status = StatusPending
	u.objectID = ""
	u.mu.Unlock()

	log := deps.Log.WithFields(logrus.Fields{
		"case": u.caseID,
		"key":  u.key,
	})

	start := time.Now()
	res := Result{Key: u.key}

	if err := ctx.Err(); err != nil {
		return u.fail(res, start, uploaderr.New(uploaderr.KindCancelled, "upload", err))
	}

	obj, fresh, err := u.register(ctx, deps)
	res.MetadataElapsed = time.Since(start)

	if err != nil {
		log.WithError(err).Warn("Metadata registration failed")

		return u.fail(res, start, err)
	}

	res.ObjectID = obj.ID
	log = log.WithField("object_id", obj.ID)

	u.mu.Lock()
	u.status = StatusRegistered
	u.objectID = obj.ID
	u.mu.Unlock()

	blobStart := time.Now()

	tres, err := u.upload(ctx, deps, obj)
	res.BlobElapsed = time.Since(blobStart)

	if err != nil {
		log.WithError(err).Warn("Blob upload failed")

		if fresh {
			u.cleanup(ctx, deps, log, obj.ID)
		}

		return u.fail(res, start, err)
	}

	res.Bytes = tres.Bytes
	res.Status = StatusUploaded
	res.Elapsed = time.Since(start)

	u.mu.Lock()
	u.status = StatusUploaded
	u.result = res
	u.mu.Unlock()

	log.WithField("bytes", tres.Bytes).Debug("File uploaded")

	return res
}

// register submits the document. A conflict that names the existing object
// counts as success; fresh is false in that case.
func (u *Unit) register(ctx context.Context, deps Deps) (registrar.ObjectRef, bool, error) {
	obj, err := deps.Registrar.Register(ctx, u.doc, deps.ParentID)
	if err == nil {
		return obj, true, nil
	}

	if !uploaderr.Is(err, uploaderr.KindConflict) {
		return registrar.ObjectRef{}, false, err
	}

	id := uploaderr.ObjectIDOf(err)
	if id == "" {
		return registrar.ObjectRef{}, false, uploaderr.New(uploaderr.KindFatal, "register",
			fmt.Errorf("conflict without object id, blob cannot be associated: %w", err))
	}

	return registrar.ObjectRef{ID: id}, false, nil
}

func (u *Unit) upload(ctx context.Context, deps Deps, obj registrar.ObjectRef) (transfer.Result, error) {
	if obj.Blob.IsZero() && deps.Transfer.RequiresURL() {
		loc, err := deps.Registrar.BlobURL(ctx, obj.ID)
		if err != nil {
			return transfer.Result{}, err
		}

		obj.Blob = loc
	}

	return deps.Transfer.Upload(ctx, transfer.Target{
		ObjectID: obj.ID,
		Blob:     obj.Blob,
		Format:   u.doc.String("data.format"),
	}, u.ref)
}

// cleanup removes metadata registered by this attempt so the object does not
// linger without a blob. Failures are only logged.
func (u *Unit) cleanup(ctx context.Context, deps Deps, log logrus.FieldLogger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := deps.Registrar.Delete(ctx, id); err != nil {
		log.WithError(err).Warn("Failed to delete metadata after blob failure")

		return
	}

	u.mu.Lock()
	u.objectID = ""
	u.mu.Unlock()
}

func (u *Unit) fail(res Result, start time.Time, err error) Result {
	res.Status = StatusFailed
	res.Kind = uploaderr.KindOf(err)
	res.Err = err
	res.Elapsed = time.Since(start)

	u.mu.Lock()
	u.status = StatusFailed
	res.ObjectID = u.objectID
	u.result = res
	u.mu.Unlock()

	return res
}
