package sumotest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/connection"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/retry"
)

// Fixed identifiers used by the document fixtures.
const (
	CaseUUID        = "11111111-2222-3333-4444-555555555555"
	IterationUUID   = "aaaaaaaa-0000-0000-0000-000000000001"
	RealizationUUID = "aaaaaaaa-0000-0000-0000-000000000002"
)

// Logger returns a logger that discards output.
func Logger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// Connect opens a connection to s using the default token.
func (s *Server) Connect(t testing.TB) *connection.Connection {
	t.Helper()

	return s.ConnectWith(t, connection.StaticToken(DefaultToken))
}

// ConnectWith opens a connection to s using tokens.
func (s *Server) ConnectWith(t testing.TB, tokens connection.TokenSource) *connection.Connection {
	t.Helper()

	conn, err := connection.Connect(context.Background(), Logger(), connection.Options{
		Env:     "test",
		BaseURL: s.APIURL(),
		Tokens:  tokens,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	return conn
}

// FastRetry is a retry policy with millisecond delays.
func FastRetry() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond

	return p
}

// CaseDoc returns a minimal case document.
func CaseDoc(caseUUID string) metadata.Document {
	return metadata.Document{
		"class": metadata.ClassCase,
		"fmu": map[string]any{
			"case": map[string]any{
				"uuid": caseUUID,
				"name": "test_case",
			},
		},
	}
}

// FileDoc returns a realization-level surface document for relPath.
func FileDoc(caseUUID, relPath string) metadata.Document {
	return metadata.Document{
		"class": "surface",
		"fmu": map[string]any{
			"case": map[string]any{
				"uuid": caseUUID,
				"name": "test_case",
			},
			"iteration": map[string]any{
				"uuid": IterationUUID,
				"name": "iter-0",
			},
			"realization": map[string]any{
				"uuid": RealizationUUID,
				"id":   0,
				"name": "realization-0",
			},
			"context": map[string]any{
				"stage": "realization",
			},
		},
		"file": map[string]any{
			"relative_path": relPath,
			"absolute_path": "/scratch/" + relPath,
			"checksum_md5":  "",
		},
		"data": map[string]any{
			"format":  "irap_binary",
			"content": "depth",
			"name":    "surface",
		},
		"display": map[string]any{
			"name": "surface",
		},
	}
}
