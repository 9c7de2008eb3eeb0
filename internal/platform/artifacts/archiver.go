// Package artifacts archives rendered payment QR codes in Cloud Storage so operators can
// audit what a customer was shown after the charge expired.
package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const (
	pngDataURIPrefix = "data:image/png;base64,"
	defaultPrefix    = "payments/qr"
)

var (
	errInvalidArtifact = errors.New("artifacts: artifact must be a base64 PNG data URI")
	errInvalidPayment  = errors.New("artifacts: payment id is required")
)

// objectStore writes one object. The GCS implementation refuses to overwrite.
type objectStore interface {
	Put(ctx context.Context, bucket, object, contentType string, data []byte, metadata map[string]string) error
}

// GCSArchiver stores QR images under <prefix>/<yyyy>/<mm>/<dd>/<paymentID>.png.
type GCSArchiver struct {
	store  objectStore
	bucket string
	prefix string
	now    func() time.Time
}

// Option customises the archiver.
type Option func(*GCSArchiver)

// WithPrefix overrides the object prefix.
func WithPrefix(prefix string) Option {
	return func(a *GCSArchiver) {
		if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
			a.prefix = p
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(a *GCSArchiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewGCSArchiver constructs an archiver writing to bucket through client.
func NewGCSArchiver(client *gcs.Client, bucket string, opts ...Option) (*GCSArchiver, error) {
	if client == nil {
		return nil, errors.New("artifacts: storage client is required")
	}
	return newArchiver(gcsStore{client: client}, bucket, opts...)
}

func newArchiver(store objectStore, bucket string, opts ...Option) (*GCSArchiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("artifacts: bucket is required")
	}
	a := &GCSArchiver{
		store:  store,
		bucket: bucket,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ArchiveQR decodes the data URI and stores the PNG. It returns the gs:// location.
func (a *GCSArchiver) ArchiveQR(ctx context.Context, paymentID string, artifact string) (string, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" || strings.ContainsAny(paymentID, "/\\") {
		return "", errInvalidPayment
	}
	if !strings.HasPrefix(artifact, pngDataURIPrefix) {
		return "", errInvalidArtifact
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(artifact, pngDataURIPrefix))
	if err != nil || len(data) == 0 {
		return "", errInvalidArtifact
	}

	object := a.objectPath(paymentID)
	err = a.store.Put(ctx, a.bucket, object, "image/png", data, map[string]string{"paymentId": paymentID})
	if err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

func (a *GCSArchiver) objectPath(paymentID string) string {
	day := a.now().UTC()
	return path.Join(a.prefix, day.Format("2006"), day.Format("01"), day.Format("02"), paymentID+".png")
}

type gcsStore struct {
	client *gcs.Client
}

func (s gcsStore) Put(ctx context.Context, bucket, object, contentType string, data []byte, metadata map[string]string) error {
	obj := s.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	w.Metadata = metadata

	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			// Same payment archived twice; the first copy is kept.
			return nil
		}
		return err
	}
	return nil
}
