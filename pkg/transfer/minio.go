package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

type minioAPI interface {
	PutObject(
		ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

// MinIOStore writes payloads to a MinIO bucket under
// {prefix}/{object id}{suffix}.
type MinIOStore struct {
	client minioAPI
	bucket string
	prefix string
}

var _ Store = (*MinIOStore)(nil)

// NewMinIOStore creates a MinIO store from cfg.
func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return newMinIOStore(client, cfg), nil
}

func newMinIOStore(client minioAPI, cfg config.MinIOConfig) *MinIOStore {
	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Name implements Store.
func (m *MinIOStore) Name() string { return "minio" }

// RequiresURL implements Store.
func (m *MinIOStore) RequiresURL() bool { return false }

// Put implements Store.
func (m *MinIOStore) Put(
	ctx context.Context, target Target, suffix string, ref content.Ref, body io.Reader,
) (Ack, error) {
	info, err := m.client.PutObject(ctx, m.bucket, objectKey(m.prefix, target.ObjectID, suffix),
		body, ref.Length(), minio.PutObjectOptions{
			ContentType:    "application/octet-stream",
			SendContentMd5: true,
		})
	if err != nil {
		return Ack{}, classifyMinIOError(ctx, err)
	}

	return Ack{MD5: etagMD5(info.ETag)}, nil
}

func classifyMinIOError(ctx context.Context, err error) error {
	const op = "minio PutObject"

	resp := minio.ToErrorResponse(err)

	switch {
	case resp.Code == "BadDigest" || resp.Code == "InvalidDigest":
		return uploaderr.New(uploaderr.KindIntegrity, op, err)
	case resp.StatusCode != 0 && resp.StatusCode != http.StatusOK:
		e := uploaderr.FromStatus(op, resp.StatusCode, "")
		e.Err = err

		return e
	default:
		return uploaderr.FromTransport(ctx, op, err)
	}
}
