// Package caseunit drives the upload of one case: it registers the case
// object, collects the case's result files and fans their submission out
// over a bounded worker pool.
package caseunit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
	"github.com/equinor/fmu-sumo-uploader/pkg/manifest"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// DefaultConcurrency is used when Upload is given a non-positive limit.
const DefaultConcurrency = 4

// ErrNotRegistered is returned by Upload before Register or Attach.
var ErrNotRegistered = errors.New("case is not registered")

// Registrar is what a case needs from the metadata API.
type Registrar interface {
	fileunit.Registrar
	Classes(ctx context.Context, ids ...string) (map[string]string, error)
	Count(ctx context.Context, query string) (int, error)
}

// Options tune a case's upload behavior.
type Options struct {
	// Env names the target environment; ledger entries are kept per env.
	Env string
	// Mode is config.ModeCopy or config.ModeMove. Move mode removes a
	// local file once it is uploaded, or once the ledger shows it was.
	Mode string
	// Ledger, when set, lets later runs skip files already delivered.
	Ledger ledger.Store
	// RegisterEnsemble registers missing realization and iteration objects
	// before the first realization file is uploaded.
	RegisterEnsemble bool
	// ParametersPath, when set, uploads the realization's parameters file
	// if it is not already stored.
	ParametersPath string
	// UploadsLogName is the upload log written next to a manifest.
	UploadsLogName string
}

// Case is one case and the files selected for upload.
type Case struct {
	log  logrus.FieldLogger
	reg  Registrar
	xfer fileunit.Transfer
	opts Options

	root   string
	doc    metadata.Document
	caseID string

	regMu    sync.Mutex
	objectID string

	mu       sync.Mutex
	units    []*fileunit.Unit
	byKey    map[string]*fileunit.Unit
	exported *exportState

	ensembleDone bool
	paramsDone   bool

	ledgerMu sync.Mutex // serializes ledger writes to avoid SQLite contention
}

type exportState struct {
	manifest manifest.Manifest
	logPath  string
}

// New creates a case rooted at root from its case metadata document.
func New(
	log logrus.FieldLogger, reg Registrar, xfer fileunit.Transfer,
	root string, doc metadata.Document, opts Options,
) (*Case, error) {
	if err := metadata.Validate(doc); err != nil {
		return nil, fmt.Errorf("case metadata: %w", err)
	}

	if doc.Class() != metadata.ClassCase {
		return nil, uploaderr.Newf(uploaderr.KindValidation, "case metadata",
			"expected class %q, got %q", metadata.ClassCase, doc.Class())
	}

	if opts.Mode == "" {
		opts.Mode = config.ModeCopy
	}

	if opts.UploadsLogName == "" {
		opts.UploadsLogName = config.DefaultUploadsLogName
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving case path: %w", err)
	}

	caseID := doc.String("fmu.case.uuid")

	return &Case{
		log:    log.WithField("component", "case").WithField("case", caseID),
		reg:    reg,
		xfer:   xfer,
		opts:   opts,
		root:   abs,
		doc:    doc.Clone(),
		caseID: caseID,
		byKey:  make(map[string]*fileunit.Unit, 64),
	}, nil
}

// Load reads the case metadata at metadataPath, relative to root unless
// absolute, and creates the case.
func Load(
	log logrus.FieldLogger, reg Registrar, xfer fileunit.Transfer,
	root, metadataPath string, opts Options,
) (*Case, error) {
	if !filepath.IsAbs(metadataPath) {
		metadataPath = filepath.Join(root, metadataPath)
	}

	doc, err := metadata.Load(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("loading case metadata: %w", err)
	}

	return New(log, reg, xfer, root, doc, opts)
}

// ID returns the case uuid.
func (c *Case) ID() string { return c.caseID }

// Root returns the absolute case path.
func (c *Case) Root() string { return c.root }

// ObjectID returns the remote case object id, or "" before registration.
func (c *Case) ObjectID() string {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	return c.objectID
}

// Register registers the case object once. Later calls, and a conflict
// reported by the service, reuse the existing id.
func (c *Case) Register(ctx context.Context) (string, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	if c.objectID != "" {
		return c.objectID, nil
	}

	ref, err := c.reg.Register(ctx, c.doc, "")

	switch {
	case err == nil:
		c.objectID = ref.ID
		c.log.WithField("object_id", c.objectID).Info("Case registered")
	case uploaderr.Is(err, uploaderr.KindConflict):
		c.objectID = uploaderr.ObjectIDOf(err)
		if c.objectID == "" {
			c.objectID = c.caseID
		}

		c.log.WithField("object_id", c.objectID).Info("Case already registered")
	default:
		return "", fmt.Errorf("registering case: %w", err)
	}

	return c.objectID, nil
}

// Attach marks the case as registered elsewhere, as when files are added
// from a job running inside an already registered case. An empty objectID
// means the case uuid.
func (c *Case) Attach(objectID string) {
	if objectID == "" {
		objectID = c.caseID
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.objectID = objectID
}

// Files returns the tracked units in the order they were added.
func (c *Case) Files() []*fileunit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*fileunit.Unit, len(c.units))
	copy(out, c.units)

	return out
}

// AddContent adds an in-memory file. If a unit with the same key already
// exists it is returned unchanged.
func (c *Case) AddContent(name string, data []byte, doc metadata.Document) (*fileunit.Unit, bool) {
	return c.add(fileunit.FromMemory(c.caseID, name, data, doc))
}

// add tracks u unless its key is taken. It returns the tracked unit and
// whether u was added.
func (c *Case) add(u *fileunit.Unit) (*fileunit.Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[u.Key()]; ok {
		return existing, false
	}

	c.byKey[u.Key()] = u
	c.units = append(c.units, u)

	return u, true
}
