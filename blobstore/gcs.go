package blobstore

import (
	"context"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
)

var log = logrus.WithField("prefix", "blobstore")

// GCSStore stores blobs as objects in a Google Cloud Storage bucket, with an
// optional key prefix so Merkle and witness CARs can share one bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore binds a store to a bucket. prefix, when non-empty, is prepended
// to every key with a "/" separator.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix}
}

func (s *GCSStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put uploads value under key. Since keys are content addresses, an object
// that already exists is left alone.
func (s *GCSStore) Put(ctx context.Context, key string, value []byte) error {
	obj := s.bucket.Object(s.objectName(key)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", key)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			log.WithField("key", key).Debug("object already stored")
			return nil
		}
		return errors.Wrapf(err, "closing object writer for %s", key)
	}
	return nil
}

// Get downloads the value for key, or returns ErrNotFound.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening object %s", key)
	}
	defer r.Close()
	value, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s", key)
	}
	return value, nil
}
