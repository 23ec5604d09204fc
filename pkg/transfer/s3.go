package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/content"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// s3API is the part of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes payloads to an S3-compatible bucket under
// {prefix}/{object id}{suffix}.
type S3Store struct {
	client       s3API
	bucket       string
	prefix       string
	storageClass string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3 store from cfg. SDK retries are disabled; the
// transfer's retry policy owns them.
func NewS3Store(cfg config.S3Config) *S3Store {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			o.Retryer = aws.NopRetryer{}
		},
	}

	return newS3Store(s3.New(s3.Options{}, opts...), cfg)
}

func newS3Store(client s3API, cfg config.S3Config) *S3Store {
	return &S3Store{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		storageClass: cfg.StorageClass,
	}
}

// Name implements Store.
func (s *S3Store) Name() string { return "s3" }

// RequiresURL implements Store.
func (s *S3Store) RequiresURL() bool { return false }

// Key returns the object key for objectID and suffix.
func (s *S3Store) Key(objectID, suffix string) string {
	return objectKey(s.prefix, objectID, suffix)
}

// Put implements Store.
func (s *S3Store) Put(
	ctx context.Context, target Target, suffix string, ref content.Ref, body io.Reader,
) (Ack, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(target.ObjectID, suffix)),
		Body:          body,
		ContentLength: aws.Int64(ref.Length()),
		ContentMD5:    aws.String(content.Base64MD5(ref)),
		ContentType:   aws.String("application/octet-stream"),
	}

	if s.storageClass != "" {
		input.StorageClass = s3types.StorageClass(s.storageClass)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return Ack{}, classifyS3Error(ctx, err)
	}

	return Ack{MD5: etagMD5(aws.ToString(out.ETag))}, nil
}

// classifyS3Error maps SDK errors onto failure kinds.
func classifyS3Error(ctx context.Context, err error) error {
	const op = "s3 PutObject"

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BadDigest", "InvalidDigest":
			return uploaderr.New(uploaderr.KindIntegrity, op, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return uploaderr.New(uploaderr.KindTransient, op, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e := uploaderr.FromStatus(op, respErr.HTTPStatusCode(), "")
		e.Err = err

		return e
	}

	if apiErr != nil {
		return uploaderr.New(uploaderr.KindFatal, op, err)
	}

	return uploaderr.FromTransport(ctx, op, err)
}

// etagMD5 decodes a single-part ETag, which is the hex MD5 of the object.
// Multipart and encrypted objects have other ETags; those yield nil.
func etagMD5(etag string) []byte {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 {
		return nil
	}

	sum, err := hex.DecodeString(etag)
	if err != nil {
		return nil
	}

	return sum
}

func objectKey(prefix, objectID, suffix string) string {
	if prefix == "" {
		return objectID + suffix
	}

	return fmt.Sprintf("%s/%s%s", prefix, objectID, suffix)
}
