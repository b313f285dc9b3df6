package content

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"markup/internal/util"
)

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// S3Store keeps revisions in an S3-compatible bucket under sha256/<hex> keys, so
// identical uploads share one object.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put streams r to a temporary object while hashing it, then copies it to its
// content address.
func (s *S3Store) Put(ctx context.Context, documentID, name string, r io.Reader) (string, error) {
	pr, h, done := hashingPipe(r)
	tmpKey := stagingKey(documentID, name)
	_, err := s.client.PutObject(ctx, s.bucket, tmpKey, pr, -1, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	pr.Close()
	<-done
	if err != nil {
		return "", fmt.Errorf("upload revision: %w", err)
	}
	defer func() {
		_ = s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, tmpKey, minio.RemoveObjectOptions{})
	}()

	finalKey := contentKey(h.Sum(nil))
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: tmpKey}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: finalKey}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return "", fmt.Errorf("store revision %s: %w", finalKey, err)
	}
	return finalKey, nil
}

// hashingPipe copies r into a pipe while hashing it. Closing the returned reader
// stops the copy; done is closed once the copying goroutine has returned.
func hashingPipe(r io.Reader) (*io.PipeReader, hash.Hash, <-chan struct{}) {
	h := sha256.New()
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := io.Copy(io.MultiWriter(h, pw), r)
		pw.CloseWithError(err)
	}()
	return pr, h, done
}

// stagingKey is unique per call so concurrent uploads of one name never share a
// temporary object.
func stagingKey(documentID, name string) string {
	return "tmp/" + sanitizeKey(documentID) + "/" + util.NewID("up") + "-" + sanitizeKey(name)
}

func (s *S3Store) Get(ctx context.Context, _ string, ref string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, ref, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, fmt.Errorf("stat revision %s: %w", ref, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open revision %s: %w", ref, err)
	}
	return obj, nil
}

func contentKey(sum []byte) string {
	return fmt.Sprintf("sha256/%x", sum)
}

func sanitizeKey(name string) string {
	if name == "" {
		return "blob"
	}
	return strings.ReplaceAll(url.PathEscape(name), "%2F", "_")
}
