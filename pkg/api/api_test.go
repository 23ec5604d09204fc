package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
)

func newTestLedger(t *testing.T) ledger.Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := ledger.NewStore(log, &config.LedgerConfig{
		Enabled: true,
		Driver:  config.DriverSQLite,
		SQLite:  config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, key := range []string{"b.gri", "a.gri"} {
		require.NoError(t, s.Record(ctx, &ledger.Entry{
			Env: "dev", CaseUUID: "case-1", Key: key, ObjectID: "obj-" + key, Bytes: 1024, UploadedAt: at,
		}))
	}

	return s
}

func newTestServer(t *testing.T, cfg *config.APIConfig) *server {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := NewServer(log, cfg, newTestLedger(t)).(*server)
	t.Cleanup(func() { close(s.done) })

	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func TestRoutes(t *testing.T) {
	h := newTestServer(t, &config.APIConfig{}).buildRouter()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name:       "health",
			path:       "/api/v1/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "cases",
			path:       "/api/v1/uploads/dev",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp casesResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Cases, 1)
				assert.Equal(t, "case-1", resp.Cases[0].CaseUUID)
				assert.Equal(t, int64(2), resp.Cases[0].Files)
			},
		},
		{
			name:       "files",
			path:       "/api/v1/uploads/dev/case-1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp filesResponse
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Files, 2)
				assert.Equal(t, "a.gri", resp.Files[0].Key)
				assert.Equal(t, int64(2048), resp.Bytes)
				assert.Equal(t, "2.048kB", resp.HumanSize)
			},
		},
		{
			name:       "files of unknown case",
			path:       "/api/v1/uploads/prod/case-1",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), `"files":[]`)
			},
		},
		{
			name:       "single file",
			path:       "/api/v1/uploads/dev/case-1/file?key=a.gri",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var e ledger.Entry
				require.NoError(t, json.Unmarshal(body, &e))
				assert.Equal(t, "obj-a.gri", e.ObjectID)
			},
		},
		{
			name:       "missing file",
			path:       "/api/v1/uploads/dev/case-1/file?key=zzz.gri",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "missing key",
			path:       "/api/v1/uploads/dev/case-1/file",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	}).buildRouter()

	for range 2 {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/uploads/dev").Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/api/v1/uploads/dev").Code)

	// Health is not limited.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health").Code)
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", extractIP(r))

	r.Header.Set("X-Forwarded-For", "192.168.1.5, 10.0.0.1")
	assert.Equal(t, "192.168.1.5", extractIP(r))
}

func TestRateLimiterEvict(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	rl := newRateLimiterMap(10, done)
	rl.getLimiter("a")
	rl.getLimiter("b")

	rl.evict(time.Now())
	assert.Len(t, rl.limiters, 2)

	rl.evict(time.Now().Add(rateLimitEntryTTL + time.Second))
	assert.Empty(t, rl.limiters)
}

func TestServerStartStop(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := NewServer(log, &config.APIConfig{Listen: "127.0.0.1:0"}, newTestLedger(t))
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}
