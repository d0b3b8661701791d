// GCS gateway transport: parks chunks in an upstream Google Cloud Storage
// bucket via the official Go client. Each chunk is one object under
// {prefix}chunks/{id}; the blob reference is the object key.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/telecloud/telecloud/internal/uid"
)

// GCSAPI is the subset of the GCS client interface the transport uses.
// This allows mocking in tests.
type GCSAPI interface {
	// Write stores data as the named object.
	Write(ctx context.Context, object string, data []byte) error
	// Read returns a reader over the named object's contents.
	Read(ctx context.Context, object string) (io.ReadCloser, error)
	// Delete removes the named object.
	Delete(ctx context.Context, object string) error
	// Exists checks the bucket is reachable by probing its attributes.
	Exists(ctx context.Context) error
}

// realGCSClient wraps the official client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
	bucket string
}

func (c *realGCSClient) Write(ctx context.Context, object string, data []byte) error {
	w := c.client.Bucket(c.bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *realGCSClient) Read(ctx context.Context, object string) (io.ReadCloser, error) {
	return c.client.Bucket(c.bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, object string) error {
	return c.client.Bucket(c.bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Exists(ctx context.Context) error {
	_, err := c.client.Bucket(c.bucket).Attrs(ctx)
	return err
}

// GCSTransport implements Transport against an upstream GCS bucket.
type GCSTransport struct {
	prefix string
	client GCSAPI
}

// NewGCSTransport creates a GCS transport for the given bucket using
// Application Default Credentials.
func NewGCSTransport(ctx context.Context, bucket, prefix string) (*GCSTransport, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSTransport{prefix: prefix, client: &realGCSClient{client: client, bucket: bucket}}, nil
}

// NewGCSTransportWithClient wires an existing client, used by tests.
func NewGCSTransportWithClient(prefix string, client GCSAPI) *GCSTransport {
	return &GCSTransport{prefix: prefix, client: client}
}

func (t *GCSTransport) object(ref BlobRef) string {
	return t.prefix + "chunks/" + string(ref)
}

func (t *GCSTransport) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	ref := BlobRef(uid.New())
	if err := t.client.Write(ctx, t.object(ref), payload); err != nil {
		return "", wrapGCSError("send", err)
	}
	return ref, nil
}

func (t *GCSTransport) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	r, err := t.client.Read(ctx, t.object(ref))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, wrapGCSError("fetch", err)
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Op: "fetch", Transient: true, Err: err}
	}
	return payload, nil
}

func (t *GCSTransport) Delete(ctx context.Context, ref BlobRef) error {
	if err := t.client.Delete(ctx, t.object(ref)); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return ErrNotFound
		}
		return wrapGCSError("delete", err)
	}
	return nil
}

func (t *GCSTransport) Ping(ctx context.Context) error {
	if err := t.client.Exists(ctx); err != nil {
		return wrapGCSError("ping", err)
	}
	return nil
}

// wrapGCSError classifies a GCS error as transient or permanent.
func wrapGCSError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return &Error{Op: op, Transient: true, Err: err}
		}
		return &Error{Op: op, Err: err}
	}
	return &Error{Op: op, Transient: true, Err: err}
}
