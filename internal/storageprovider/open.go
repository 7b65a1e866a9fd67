package storageprovider

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"gocloud.dev/blob"
	// registered bucket URL schemes
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/sampletree/internal/storageutil"
)

const (
	BackendBlob   = "blob"
	BackendGcs    = "gcs"
	BackendBadger = "badger"
)

type Config struct {
	Backend string
	// URL is a gocloud bucket URL, used by the blob backend.
	URL        string
	GCSBucket  string
	BadgerPath string
}

// Open returns the object handler of the configured backend and the function
// releasing it.
func Open(ctx context.Context, config Config) (storageutil.ObjectHandler, func() error, error) {
	switch config.Backend {
	case BackendBlob, "":
		bucket, err := blob.OpenBucket(ctx, config.URL)
		if err != nil {
			return nil, nil, err
		}
		return &Blob{Bucket: bucket}, bucket.Close, nil
	case BackendGcs:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return &Gcs{BucketHandle: client.Bucket(config.GCSBucket)}, client.Close, nil
	case BackendBadger:
		db, err := badger.Open(badger.DefaultOptions(config.BadgerPath).WithLogger(nil))
		if err != nil {
			return nil, nil, err
		}
		return &Badger{DB: db}, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("storageprovider: unknown backend %q", config.Backend)
	}
}
