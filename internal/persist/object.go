package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sketchsync/api/internal/command"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore keeps command logs on S3-compatible storage, one object per
// sketch at sketches/<id>/commands.json.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects and creates the bucket when it does not exist yet.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func objectName(documentID string) string {
	return path.Join("sketches", documentID, "commands.json")
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *ObjectStore) Write(ctx context.Context, documentID string, cmds []command.Command) error {
	data, err := encodeLog(cmds)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectName(documentID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put command log: %w", err)
	}
	return nil
}

func (s *ObjectStore) Read(ctx context.Context, documentID string) ([]command.Command, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(documentID), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return []command.Command{}, nil
		}
		return nil, fmt.Errorf("get command log: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return []command.Command{}, nil
		}
		return nil, fmt.Errorf("read command log: %w", err)
	}
	return decodeLog(data)
}
