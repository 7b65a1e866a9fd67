package storageprovider

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/dgraph-io/badger/v4"

	"github.com/getsentry/sampletree/internal/storageutil"
)

// Badger implements storageutil.ObjectHandler interface to handle object read and writes.
type Badger struct {
	DB *badger.DB
}

var _ storageutil.ObjectHandler = (*Badger)(nil)

// Put writes a file to the storage provider with name being the path.
// The value is buffered and committed in a single transaction on Close.
func (b *Badger) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return &badgerWriter{
		db:   b.DB,
		b:    &bytes.Buffer{},
		name: name,
	}, nil
}

// Get reads a file from the storage provider with name being the path.
// If a key was not found, it will return ErrObjectNotFound.
func (b *Badger) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	var value []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}

	return &badgerReader{
		reader: bytes.NewReader(value),
		size:   int64(len(value)),
	}, nil
}

// List walks the keys with the given prefix, which badger keeps sorted.
func (b *Badger) List(ctx context.Context, prefix string) ([]storageutil.ObjectInfo, error) {
	var objects []storageutil.ObjectInfo
	err := b.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			// badger keeps no modification time
			objects = append(objects, storageutil.ObjectInfo{
				Name: string(item.KeyCopy(nil)),
				Size: item.ValueSize(),
			})
		}
		return nil
	})
	return objects, err
}

func (b *Badger) Delete(ctx context.Context, name string) error {
	return b.DB.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storageutil.ErrObjectNotFound
			}
			return err
		}
		return txn.Delete([]byte(name))
	})
}

// badgerWriter implements io.WriteCloser
type badgerWriter struct {
	db   *badger.DB
	b    *bytes.Buffer
	name string
}

func (bw *badgerWriter) Write(b []byte) (n int, err error) {
	return bw.b.Write(b)
}

func (bw *badgerWriter) Close() error {
	return bw.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(bw.name), bw.b.Bytes())
	})
}

// badgerReader implements storageutil.ReadSizeCloser
type badgerReader struct {
	reader io.Reader
	size   int64
}

func (b *badgerReader) Read(p []byte) (n int, err error) {
	return b.reader.Read(p)
}

func (b *badgerReader) Close() error {
	return nil
}

func (b *badgerReader) Size() int64 {
	return b.size
}
