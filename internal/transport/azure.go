// Azure gateway transport: parks chunks in an upstream Azure Blob Storage
// container via the official Azure SDK for Go. Each chunk is one blob under
// {prefix}chunks/{id}; the blob reference is the blob name.
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/telecloud/telecloud/internal/uid"
)

// AzureBlobAPI is the subset of the Azure Blob client interface the transport
// uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// Upload stores data as the named blob, overwriting any existing blob.
	Upload(ctx context.Context, blobName string, data []byte) error
	// Download returns the named blob's contents.
	Download(ctx context.Context, blobName string) ([]byte, error)
	// Delete removes the named blob.
	Delete(ctx context.Context, blobName string) error
	// ContainerExists checks the container is reachable.
	ContainerExists(ctx context.Context) error
}

// realAzureClient wraps the official SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client    *azblob.Client
	container string
}

func (c *realAzureClient) Upload(ctx context.Context, blobName string, data []byte) error {
	_, err := c.client.UploadBuffer(ctx, c.container, blobName, data, nil)
	return err
}

func (c *realAzureClient) Download(ctx context.Context, blobName string) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, blobName, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *realAzureClient) Delete(ctx context.Context, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, c.container, blobName, nil)
	return err
}

func (c *realAzureClient) ContainerExists(ctx context.Context) error {
	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{
		MaxResults: toPtr(int32(1)),
	})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func toPtr[T any](v T) *T { return &v }

// AzureTransport implements Transport against an upstream Azure Blob container.
type AzureTransport struct {
	prefix string
	client AzureBlobAPI
}

// NewAzureTransport creates an Azure transport for the given container using
// DefaultAzureCredential.
func NewAzureTransport(accountURL, container, prefix string) (*AzureTransport, error) {
	if container == "" {
		return nil, fmt.Errorf("azure container is required")
	}
	if accountURL == "" {
		return nil, fmt.Errorf("azure account URL is required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &AzureTransport{prefix: prefix, client: &realAzureClient{client: client, container: container}}, nil
}

// NewAzureTransportWithClient wires an existing client, used by tests.
func NewAzureTransportWithClient(prefix string, client AzureBlobAPI) *AzureTransport {
	return &AzureTransport{prefix: prefix, client: client}
}

func (t *AzureTransport) blobName(ref BlobRef) string {
	return t.prefix + "chunks/" + string(ref)
}

func (t *AzureTransport) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	ref := BlobRef(uid.New())
	if err := t.client.Upload(ctx, t.blobName(ref), payload); err != nil {
		return "", wrapAzureError("send", err)
	}
	return ref, nil
}

func (t *AzureTransport) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	payload, err := t.client.Download(ctx, t.blobName(ref))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapAzureError("fetch", err)
	}
	return payload, nil
}

func (t *AzureTransport) Delete(ctx context.Context, ref BlobRef) error {
	if err := t.client.Delete(ctx, t.blobName(ref)); err != nil {
		if isAzureNotFound(err) {
			return ErrNotFound
		}
		return wrapAzureError("delete", err)
	}
	return nil
}

func (t *AzureTransport) Ping(ctx context.Context) error {
	if err := t.client.ContainerExists(ctx); err != nil {
		return wrapAzureError("ping", err)
	}
	return nil
}

// isAzureNotFound checks if an Azure error is a blob-not-found error.
func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404 || respErr.ErrorCode == "BlobNotFound"
	}
	return false
}

// wrapAzureError classifies an Azure error as transient or permanent.
func wrapAzureError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 429 || respErr.StatusCode >= 500 {
			return &Error{Op: op, Transient: true, Err: err}
		}
		return &Error{Op: op, Err: err}
	}
	return &Error{Op: op, Transient: true, Err: err}
}
