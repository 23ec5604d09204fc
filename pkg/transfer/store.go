package transfer

import (
	"fmt"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
)

// NewStore creates the store selected by cfg.Backend. client is used by
// the presigned backend.
func NewStore(cfg config.TransferConfig, client BlobDoer) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendPresigned:
		return NewPresignedStore(client), nil
	case config.BackendS3:
		return NewS3Store(cfg.S3), nil
	case config.BackendMinIO:
		return NewMinIOStore(cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown transfer backend %q", cfg.Backend)
	}
}

// NewDerivers creates the derivers enabled by cfg.
func NewDerivers(cfg config.DeriveConfig) []Deriver {
	if len(cfg.ZstdFormats) == 0 {
		return nil
	}

	return []Deriver{NewZstdDeriver(cfg.ZstdFormats, cfg.ZstdLevel)}
}
