package storageutil

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/getsentry/sampletree/internal/errorutil"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = fmt.Errorf("storageutil: %w: object", errorutil.ErrNotFound)

// OperationTimeout bounds a single compressed read or write.
var OperationTimeout = 30 * time.Second

type (
	ReadSizeCloser interface {
		io.Reader
		io.Closer
		Size() int64
	}

	ObjectInfo struct {
		Name    string
		Size    int64
		Updated time.Time
	}

	// ObjectHandler provides common interface for multiple storage providers.
	ObjectHandler interface {
		// Put writes a file to the storage provider with name being the path.
		// The object only exists once the writer was closed without error.
		Put(ctx context.Context, name string) (io.WriteCloser, error)
		// Get reads a file from the storage provider with name being the path.
		// If a key was not found, it will return ErrObjectNotFound.
		Get(ctx context.Context, name string) (ReadSizeCloser, error)
		// List returns the objects whose name starts with prefix, sorted by
		// name.
		List(ctx context.Context, prefix string) ([]ObjectInfo, error)
		// Delete removes an object. Deleting a missing object returns
		// ErrObjectNotFound.
		Delete(ctx context.Context, name string) error
	}
)

// CompressedWrite streams what write produces through lz4 into objectName.
// Nothing is stored if write fails.
func CompressedWrite(ctx context.Context, b ObjectHandler, objectName string, write func(w io.Writer) error) error {
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	ow, err := b.Put(ctx, objectName)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(ow)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	err = write(zw)
	if err != nil {
		// canceling ctx aborts the upload
		return err
	}
	err = zw.Close()
	if err != nil {
		return err
	}
	return ow.Close()
}

// ReadCompressed decompresses objectName and hands the stream to read.
func ReadCompressed(ctx context.Context, b ObjectHandler, objectName string, read func(r io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	or, err := b.Get(ctx, objectName)
	if err != nil {
		return err
	}
	defer or.Close()
	return read(lz4.NewReader(or))
}
