package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

/*
Archiver copies audit log files to S3 compatible object storage. Objects are
only ever written under new keys, so an archive is as append-only as the log
it came from.
*/
type Archiver struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

func NewArchiver(options Options) (*Archiver, error) {
	if options.Endpoint == "" || options.Bucket == "" {
		return nil, memerr.ErrValidation.WithMessagef("archive endpoint and bucket are required")
	}

	client, err := minio.New(options.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(options.AccessKey, options.SecretKey, ""),
		Secure: options.UseSSL,
		Region: options.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	prefix := options.Prefix
	if prefix == "" {
		prefix = "audit"
	}

	return &Archiver{
		client: client,
		bucket: options.Bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (archiver *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := archiver.client.BucketExists(ctx, archiver.bucket)
	if err != nil {
		return memerr.Upstream(err, "bucket lookup failed")
	}

	if exists {
		return nil
	}

	if err := archiver.client.MakeBucket(ctx, archiver.bucket, minio.MakeBucketOptions{}); err != nil {
		return memerr.Upstream(err, "bucket creation failed")
	}

	log.Info("created archive bucket", "bucket", archiver.bucket)

	return nil
}

// Key builds the object key an archive of name taken now would get.
func (archiver *Archiver) Key(name string) string {
	return path.Join(archiver.prefix, archiver.now().Format("2006/01/02"), archiver.now().Format("150405")+"-"+name)
}

// Put uploads size bytes from body under key.
func (archiver *Archiver) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	info, err := archiver.client.PutObject(ctx, archiver.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return memerr.Upstream(err, "upload of %s failed", key)
	}

	log.Info("archived object", "bucket", archiver.bucket, "key", key, "size", info.Size)

	return nil
}

/*
ArchiveFile uploads the file at filePath and returns the object key it was
stored under.
*/
func (archiver *Archiver) ArchiveFile(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	key := archiver.Key(path.Base(filePath))

	if err := archiver.Put(ctx, key, file, stat.Size()); err != nil {
		return "", err
	}

	return key, nil
}

// List returns the keys stored under prefix.
func (archiver *Archiver) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)

	for object := range archiver.client.ListObjects(ctx, archiver.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, memerr.Upstream(object.Err, "listing %s failed", prefix)
		}

		keys = append(keys, object.Key)
	}

	return keys, nil
}

// Get opens an archived object for reading.
func (archiver *Archiver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := archiver.client.GetObject(ctx, archiver.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, memerr.Upstream(err, "download of %s failed", key)
	}

	return object, nil
}
