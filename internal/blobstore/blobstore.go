package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/mklotz/geoconvert/internal/config"
)

// ErrBlobNotFound is returned when the addressed object does not exist
var ErrBlobNotFound = errors.New("blob not found")

// Ref addresses a blob as container + key. Containers are logical
// namespaces; within the single backing bucket the object key is
// "container/key".
type Ref struct {
	Container string `json:"container"`
	Key       string `json:"key"`
}

// String returns the container/key form of the reference
func (r Ref) String() string {
	return r.Container + "/" + r.Key
}

// ParseRef splits a "container/key" reference. The key part may itself
// contain slashes (tile pyramids do).
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimPrefix(raw, "/")
	container, key, ok := strings.Cut(raw, "/")
	if !ok || container == "" || key == "" {
		return Ref{}, fmt.Errorf("invalid blob reference %q: want container/key", raw)
	}
	return Ref{Container: container, Key: key}, nil
}

// Store is the S3-compatible blob store adapter
type Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	uploader   *manager.Uploader
	bucket     string
	presignTTL time.Duration
	logger     *slog.Logger
}

// NewStore creates a Store against the configured S3-compatible endpoint
func NewStore(ctx context.Context, cfg *config.BlobStoreConfig, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	logger.Info("Blob store client initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		bucket:     cfg.Bucket,
		presignTTL: cfg.PresignTTL,
		logger:     logger,
	}, nil
}

func (s *Store) objectKey(ref Ref) string {
	return ref.Container + "/" + ref.Key
}

// Put streams body into the blob. Large bodies are uploaded in parts so
// artifacts can be written as they are produced without buffering whole
// results in memory.
func (s *Store) Put(ctx context.Context, ref Ref, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", ref, err)
	}

	return nil
}

// UploadFile streams a local file into the blob
func (s *Store) UploadFile(ctx context.Context, ref Ref, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return s.Put(ctx, ref, file, contentTypeFor(path))
}

// Get opens the blob for reading. The caller must close the returned reader.
func (s *Store) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", ref, err)
	}

	return out.Body, nil
}

// DownloadToFile streams the blob into a local file, creating parent
// directories as needed
func (s *Store) DownloadToFile(ctx context.Context, ref Ref, path string) error {
	body, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// Delete removes the blob. Deleting a blob that is already gone is a no-op:
// the deferred deletion safety net fires after pipelines have usually cleaned
// up behind themselves.
func (s *Store) Delete(ctx context.Context, ref Ref) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}

	return nil
}

// Copy duplicates a blob into another container server-side
func (s *Store) Copy(ctx context.Context, src, dst Ref) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.objectKey(dst)),
		CopySource: aws.String(s.bucket + "/" + s.objectKey(src)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", src, ErrBlobNotFound)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	return nil
}

// NewKey allocates a collision-free random key in the container
func (s *Store) NewKey(ctx context.Context, container string) (Ref, error) {
	for i := 0; i < 512; i++ {
		ref := Ref{Container: container, Key: uuid.New().String()}

		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(ref)),
		})
		if err != nil {
			if isNotFound(err) {
				return ref, nil
			}
			return Ref{}, fmt.Errorf("failed to probe key %s: %w", ref, err)
		}
	}

	return Ref{}, errors.New("could not find a free blob key")
}

// PresignPut issues a time-boxed write URL for direct client upload
func (s *Store) PresignPut(ctx context.Context, ref Ref) (string, time.Time, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign upload for %s: %w", ref, err)
	}

	return req.URL, time.Now().Add(s.presignTTL), nil
}

// PresignGet issues a time-boxed read URL for direct client download
func (s *Store) PresignGet(ctx context.Context, ref Ref) (string, time.Time, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign download for %s: %w", ref, err)
	}

	return req.URL, time.Now().Add(s.presignTTL), nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".glb":
		return "model/gltf-binary"
	case ".terrain":
		return "application/vnd.quantized-mesh"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
