package storageprovider

import (
	"context"
	"errors"
	"io"
	"sort"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/sampletree/internal/storageutil"
)

// Blob implements storageutil.ObjectHandler on top of any gocloud bucket
// (gs://, file://, mem://).
type Blob struct {
	Bucket *blob.Bucket
}

var _ storageutil.ObjectHandler = (*Blob)(nil)

func notFound(err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return storageutil.ErrObjectNotFound
	}
	return err
}

// Put writes a file to the storage provider with name being the path.
func (b *Blob) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return b.Bucket.NewWriter(ctx, name, nil)
}

// Get reads a file from the storage provider with name being the path.
// If a key was not found, it will return ErrObjectNotFound.
func (b *Blob) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	r, err := b.Bucket.NewReader(ctx, name, nil)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (b *Blob) List(ctx context.Context, prefix string) ([]storageutil.ObjectInfo, error) {
	var objects []storageutil.ObjectInfo
	it := b.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, storageutil.ObjectInfo{
			Name:    obj.Key,
			Size:    obj.Size,
			Updated: obj.ModTime,
		})
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Name < objects[j].Name
	})
	return objects, nil
}

func (b *Blob) Delete(ctx context.Context, name string) error {
	return notFound(b.Bucket.Delete(ctx, name))
}
