package caseunit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/equinor/fmu-sumo-uploader/pkg/caseunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
	"github.com/equinor/fmu-sumo-uploader/pkg/manifest"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/registrar"
	"github.com/equinor/fmu-sumo-uploader/pkg/sumotest"
	"github.com/equinor/fmu-sumo-uploader/pkg/transfer"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

type harness struct {
	srv  *sumotest.Server
	reg  *registrar.Registrar
	xfer *transfer.Transfer
	root string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := sumotest.New(t)
	conn := srv.Connect(t)

	return &harness{
		srv:  srv,
		reg:  registrar.New(sumotest.Logger(), conn, sumotest.FastRetry()),
		xfer: transfer.New(sumotest.Logger(), transfer.NewPresignedStore(conn), sumotest.FastRetry()),
		root: t.TempDir(),
	}
}

func (h *harness) newCase(t *testing.T, opts caseunit.Options) *caseunit.Case {
	t.Helper()

	c, err := caseunit.New(sumotest.Logger(), h.reg, h.xfer, h.root, sumotest.CaseDoc(sumotest.CaseUUID), opts)
	require.NoError(t, err)

	return c
}

func (h *harness) registeredCase(t *testing.T, opts caseunit.Options) *caseunit.Case {
	t.Helper()

	c := h.newCase(t, opts)
	_, err := c.Register(context.Background())
	require.NoError(t, err)

	return c
}

// writeFile writes a result file with its metadata sidecar under the case
// root and returns its path.
func (h *harness) writeFile(t *testing.T, rel, data string) string {
	t.Helper()

	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	sidecar, err := yaml.Marshal(map[string]any(sumotest.FileDoc(sumotest.CaseUUID, rel)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metadata.SidecarPath(path), sidecar, 0o644))

	return path
}

func newLedger(t *testing.T) ledger.Store {
	t.Helper()

	s := ledger.NewStore(sumotest.Logger(), &config.LedgerConfig{
		Enabled: true,
		Driver:  config.DriverSQLite,
		SQLite:  config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "ledger.db")},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestNewRejectsNonCaseDocument(t *testing.T) {
	h := newHarness(t)

	_, err := caseunit.New(sumotest.Logger(), h.reg, h.xfer, h.root,
		sumotest.FileDoc(sumotest.CaseUUID, "a.gri"), caseunit.Options{})
	require.Error(t, err)
	assert.True(t, uploaderr.Is(err, uploaderr.KindValidation))
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.newCase(t, caseunit.Options{})

	first, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sumotest.CaseUUID, first)

	second, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.srv.Requests(http.MethodPost, "/objects"))

	// A second process registering the same case gets the existing id.
	other := h.newCase(t, caseunit.Options{})
	id, err := other.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.Equal(t, 1, h.srv.CountClass(metadata.ClassCase))
}

func TestUploadRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	c := h.newCase(t, caseunit.Options{})

	_, err := c.Upload(context.Background(), 2)
	require.ErrorIs(t, err, caseunit.ErrNotRegistered)
}

func TestUploadAllFiles(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	for _, rel := range []string{"share/results/maps/a.gri", "share/results/maps/b.gri", "share/results/maps/c.gri"} {
		h.writeFile(t, rel, "grid-"+rel)
	}

	n, err := c.AddFiles(caseunit.Glob("share/results/maps/*.gri"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	summary, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Uploaded)
	assert.Equal(t, 3, summary.MetadataStats.Count)
	assert.Equal(t, 3, h.srv.CountClass("surface"))

	for _, u := range c.Files() {
		assert.Equal(t, fileunit.StatusUploaded, u.Status())

		blob, ok := h.srv.Blob(u.ObjectID())
		require.True(t, ok)
		assert.Equal(t, "grid-"+u.Key(), string(blob))
	}

	// Local files are kept in copy mode.
	assert.FileExists(t, filepath.Join(h.root, "share/results/maps/a.gri"))

	again, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 0, again.Uploaded)
	assert.Equal(t, 3, h.srv.Requests(http.MethodPut, "/blob/"))
}

func TestUploadFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		fault    sumotest.Fault
		wantKind uploaderr.Kind
		wantPuts int
	}{
		{
			name:     "transient exhausts attempts",
			fault:    sumotest.Fault{Method: http.MethodPut, Path: "/blob/", Status: http.StatusServiceUnavailable},
			wantKind: uploaderr.KindTransient,
			wantPuts: 2 * 4,
		},
		{
			name:     "rejected payload not retried",
			fault:    sumotest.Fault{Method: http.MethodPut, Path: "/blob/", Status: http.StatusBadRequest},
			wantKind: uploaderr.KindValidation,
			wantPuts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.registeredCase(t, caseunit.Options{})

			h.writeFile(t, "a.gri", "a")
			h.writeFile(t, "b.gri", "b")

			_, err := c.AddFiles(caseunit.Glob("*.gri"))
			require.NoError(t, err)

			h.srv.AddFault(tt.fault)

			summary, err := c.Upload(context.Background(), 2)
			require.NoError(t, err)
			assert.False(t, summary.OK())
			assert.Equal(t, 2, summary.Failed)
			assert.Equal(t, 2, summary.Failures[tt.wantKind])
			assert.Equal(t, tt.wantPuts, h.srv.Requests(http.MethodPut, "/blob/"))

			// Metadata of failed files is removed again.
			assert.Equal(t, 0, h.srv.CountClass("surface"))
		})
	}
}

func TestIntegrityFailureNotRetried(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})
	h.writeFile(t, "a.gri", "a")

	_, err := c.AddFiles(caseunit.Paths("a.gri"))
	require.NoError(t, err)

	h.srv.CorruptChecksums(true)

	summary, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures[uploaderr.KindIntegrity])
	assert.Equal(t, 1, h.srv.Requests(http.MethodPut, "/blob/"))
}

func TestRerunRetriesOnlyFailed(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	h.writeFile(t, "a.gri", "a")
	h.writeFile(t, "b.gri", "b")

	_, err := c.AddFiles(caseunit.Paths("a.gri", "b.gri"))
	require.NoError(t, err)

	h.srv.AddFault(sumotest.Fault{Method: http.MethodPut, Path: "/blob/", Status: http.StatusBadRequest, Times: 1})

	first, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Uploaded)
	assert.Equal(t, 1, first.Failed)

	second, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, second.OK())
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, second.Uploaded)
	assert.Equal(t, 2, h.srv.CountClass("surface"))
	assert.Equal(t, 3, h.srv.Requests(http.MethodPut, "/blob/"))
}

func TestMoveModeRemovesUploadedFiles(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{Mode: config.ModeMove})

	kept := h.writeFile(t, "keep.gri", "k")
	moved := h.writeFile(t, "move.gri", "m")

	_, err := c.AddFiles(caseunit.Paths("move.gri"))
	require.NoError(t, err)

	summary, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, summary.OK())

	assert.NoFileExists(t, moved)
	assert.NoFileExists(t, metadata.SidecarPath(moved))
	assert.FileExists(t, kept)

	h.srv.AddFault(sumotest.Fault{Method: http.MethodPut, Path: "/blob/", Status: http.StatusBadRequest})

	_, err = c.AddFiles(caseunit.Paths("keep.gri"))
	require.NoError(t, err)

	summary, err = c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.FileExists(t, kept)
	assert.FileExists(t, metadata.SidecarPath(kept))
}

func TestMoveModeRemovesLedgerConfirmedFiles(t *testing.T) {
	store := newLedger(t)
	h := newHarness(t)

	path := h.writeFile(t, "a.gri", "a")

	first := h.registeredCase(t, caseunit.Options{Env: "test", Ledger: store})
	_, err := first.AddFiles(caseunit.Paths("a.gri"))
	require.NoError(t, err)

	summary, err := first.Upload(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Uploaded)
	require.FileExists(t, path)

	second := h.registeredCase(t, caseunit.Options{Env: "test", Ledger: store, Mode: config.ModeMove})
	_, err = second.AddFiles(caseunit.Paths("a.gri"))
	require.NoError(t, err)

	summary, err = second.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, h.srv.Requests(http.MethodPut, "/blob/"))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, metadata.SidecarPath(path))
}

func TestUploadRespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	for i := range 8 {
		h.writeFile(t, filepath.Join("maps", string(rune('a'+i))+".gri"), "x")
	}

	_, err := c.AddFiles(caseunit.Glob("maps/*.gri"))
	require.NoError(t, err)

	h.srv.SetLatency(20 * time.Millisecond)

	summary, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Uploaded)
	assert.LessOrEqual(t, h.srv.MaxInFlight(), int64(2))
}

func TestAuthenticationFailureCancelsRemaining(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	for _, rel := range []string{"a.gri", "b.gri", "c.gri"} {
		h.writeFile(t, rel, rel)
	}

	_, err := c.AddFiles(caseunit.Glob("*.gri"))
	require.NoError(t, err)

	h.srv.RotateToken("other-token")

	summary, err := c.Upload(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, uploaderr.Is(err, uploaderr.KindAuthentication))
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Failures[uploaderr.KindAuthentication])
	assert.Equal(t, 2, summary.Failures[uploaderr.KindCancelled])
	assert.Equal(t, 0, h.srv.Requests(http.MethodPut, "/blob/"))
}

func TestUploadCancelled(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})
	h.writeFile(t, "a.gri", "a")

	_, err := c.AddFiles(caseunit.Paths("a.gri"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := c.Upload(ctx, 1)
	require.Error(t, err)
	assert.True(t, uploaderr.Is(err, uploaderr.KindCancelled))
	assert.Equal(t, 1, summary.Failures[uploaderr.KindCancelled])
}

func TestLedgerSkipsUnchangedFiles(t *testing.T) {
	store := newLedger(t)
	h := newHarness(t)
	opts := caseunit.Options{Env: "test", Ledger: store}

	h.writeFile(t, "a.gri", "a")
	h.writeFile(t, "b.gri", "b")

	first := h.registeredCase(t, opts)
	_, err := first.AddFiles(caseunit.Glob("*.gri"))
	require.NoError(t, err)

	summary, err := first.Upload(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Uploaded)

	entries, err := store.List(context.Background(), "test", sumotest.CaseUUID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.gri", entries[0].Key)

	// A later run sees a changed b.gri and an unchanged a.gri.
	h.writeFile(t, "b.gri", "b2")

	second := h.registeredCase(t, opts)
	_, err = second.AddFiles(caseunit.Glob("*.gri"))
	require.NoError(t, err)

	summary, err = second.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Equal(t, 3, h.srv.Requests(http.MethodPut, "/blob/"))

	// Entries are kept per environment.
	third := h.registeredCase(t, caseunit.Options{Env: "prod", Ledger: store})
	_, err = third.AddFiles(caseunit.Glob("*.gri"))
	require.NoError(t, err)

	summary, err = third.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Skipped)
}

func TestManifestSelectorAndUploadLog(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	a := h.writeFile(t, "a.gri", "a")
	b := h.writeFile(t, "b.gri", "b")

	m := manifest.Manifest{
		{AbsolutePath: a, ExportedAt: "2024-01-01T10:00:00"},
		{AbsolutePath: b, ExportedAt: "2024-01-01T10:00:01"},
		{AbsolutePath: filepath.Join(h.root, "gone.gri"), ExportedAt: "2024-01-01T10:00:02"},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	manifestPath := filepath.Join(h.root, config.DefaultManifestName)
	require.NoError(t, os.WriteFile(manifestPath, data, 0o644))

	n, err := c.AddFiles(caseunit.Manifest(config.DefaultManifestName))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	summary, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Uploaded)

	uploads, err := manifest.LoadUploads(filepath.Join(h.root, config.DefaultUploadsLogName))
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, 2, uploads[0].LastIndexManifest)
	assert.Equal(t, "2024-01-01T10:00:02", uploads[0].Timestamp)

	// Nothing new was exported, so a fresh selection is empty.
	other := h.registeredCase(t, caseunit.Options{})
	n, err = other.AddFiles(caseunit.Manifest(config.DefaultManifestName))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManifestLogUntouchedWithoutUploads(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{})

	a := h.writeFile(t, "a.gri", "a")

	data, err := json.Marshal(manifest.Manifest{{AbsolutePath: a, ExportedAt: "t0"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.root, config.DefaultManifestName), data, 0o644))

	_, err = c.AddFiles(caseunit.Manifest(config.DefaultManifestName))
	require.NoError(t, err)

	h.srv.AddFault(sumotest.Fault{Method: http.MethodPut, Path: "/blob/", Status: http.StatusBadRequest})

	summary, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.NoFileExists(t, filepath.Join(h.root, config.DefaultUploadsLogName))
}

func TestGlobSelection(t *testing.T) {
	h := newHarness(t)
	c := h.newCase(t, caseunit.Options{})

	h.writeFile(t, "realization-0/iter-0/share/results/maps/a.gri", "a")
	h.writeFile(t, "realization-0/iter-0/share/results/maps/deep/b.gri", "b")
	h.writeFile(t, "realization-0/iter-0/share/results/.hidden/c.gri", "c")
	h.writeFile(t, "realization-0/iter-0/share/results/tables/t.csv", "t")

	orphan := filepath.Join(h.root, "realization-0/iter-0/share/results/maps/orphan.gri")
	require.NoError(t, os.WriteFile(orphan, []byte("o"), 0o644))

	n, err := c.AddFiles(caseunit.Glob("realization-*/iter-*/share/results/**/*.gri"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys := make([]string, 0, n)
	for _, u := range c.Files() {
		keys = append(keys, u.Key())
	}

	assert.ElementsMatch(t, []string{
		"realization-0/iter-0/share/results/maps/a.gri",
		"realization-0/iter-0/share/results/maps/deep/b.gri",
	}, keys)

	// Adding the same files again creates no new units.
	n, err = c.AddFiles(caseunit.Glob("realization-0/iter-0/share/results/maps/*.gri"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRegisterEnsembleObjects(t *testing.T) {
	h := newHarness(t)
	c := h.registeredCase(t, caseunit.Options{RegisterEnsemble: true})

	c.AddContent("a.gri", []byte("a"), sumotest.FileDoc(sumotest.CaseUUID, "a.gri"))
	c.AddContent("b.gri", []byte("b"), sumotest.FileDoc(sumotest.CaseUUID, "b.gri"))

	summary, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, summary.OK())

	realization, ok := h.srv.Object(sumotest.RealizationUUID)
	require.True(t, ok)
	assert.Equal(t, metadata.ClassRealization, realization.Class)
	assert.Equal(t, metadata.ClassRealization, realization.Doc.String("fmu.context.stage"))
	assert.Empty(t, realization.Doc.String("file.relative_path"))

	iter, ok := h.srv.Object(sumotest.IterationUUID)
	require.True(t, ok)
	assert.Equal(t, metadata.ClassIteration, iter.Class)
	assert.Empty(t, iter.Doc.String("fmu.realization.uuid"))

	// Known objects are not registered again.
	other := h.registeredCase(t, caseunit.Options{RegisterEnsemble: true})
	other.AddContent("d.gri", []byte("d"), sumotest.FileDoc(sumotest.CaseUUID, "d.gri"))

	_, err = other.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, h.srv.Requests(http.MethodPost, "/search"))
	assert.Equal(t, 1, h.srv.CountClass(metadata.ClassRealization))
	assert.Equal(t, 1, h.srv.CountClass(metadata.ClassIteration))
}

func TestParametersUploadedOnce(t *testing.T) {
	h := newHarness(t)

	params := filepath.Join(t.TempDir(), "parameters.txt")
	require.NoError(t, os.WriteFile(params, []byte("SENSNAME rms_seed\nGLOBVAR:FWL 1700.5\nGLOBVAR:NREAL 10\n"), 0o644))

	opts := caseunit.Options{ParametersPath: params}
	c := h.registeredCase(t, opts)
	c.AddContent("a.gri", []byte("a"), sumotest.FileDoc(sumotest.CaseUUID, "a.gri"))

	summary, err := c.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Uploaded)
	require.Equal(t, 1, h.srv.CountClass("dictionary"))

	var dict fileunit.Result
	for _, res := range summary.Results {
		if res.Key == "realization-0/iter-0/parameters.json" {
			dict = res
		}
	}

	require.NotEmpty(t, dict.ObjectID)

	blob, ok := h.srv.Blob(dict.ObjectID)
	require.True(t, ok)

	var got map[string]any
	require.NoError(t, json.Unmarshal(blob, &got))
	assert.Equal(t, "rms_seed", got["SENSNAME"])
	assert.Equal(t, map[string]any{"FWL": 1700.5, "NREAL": float64(10)}, got["GLOBVAR"])

	// A second process finds the parameters through search.
	other := h.registeredCase(t, opts)
	other.AddContent("b.gri", []byte("b"), sumotest.FileDoc(sumotest.CaseUUID, "b.gri"))

	summary, err = other.Upload(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Equal(t, 1, h.srv.CountClass("dictionary"))
}

func TestAttachAndAddContent(t *testing.T) {
	h := newHarness(t)

	// Register out of band, then attach as a realization job would.
	_, err := h.reg.Register(context.Background(), sumotest.CaseDoc(sumotest.CaseUUID), "")
	require.NoError(t, err)

	c := h.newCase(t, caseunit.Options{})
	c.Attach("")
	assert.Equal(t, sumotest.CaseUUID, c.ObjectID())

	u, added := c.AddContent("inline.json", []byte(`{"k":1}`), sumotest.FileDoc(sumotest.CaseUUID, "share/inline.json"))
	require.True(t, added)
	assert.Equal(t, "share/inline.json", u.Key())

	same, added := c.AddContent("inline.json", []byte(`{"k":2}`), sumotest.FileDoc(sumotest.CaseUUID, "share/inline.json"))
	assert.False(t, added)
	assert.Same(t, u, same)

	summary, err := c.Upload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Equal(t, int64(7), summary.Bytes)
	assert.Contains(t, summary.String(), "1/1 uploaded")
}
