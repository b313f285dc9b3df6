package content

import (
	"context"
	"errors"
	"io"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is durable, content-addressable storage for revision bytes.
// Put returns the durable reference later passed to Get.
type BlobStore interface {
	Put(ctx context.Context, documentID, name string, r io.Reader) (string, error)
	Get(ctx context.Context, documentID, ref string) (io.ReadCloser, error)
}
