package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// opTimeout bounds each storage round trip so a stalled backend cannot
// wedge a request handler.
const opTimeout = 30 * time.Second

// AzureStore implements Store on Azure Blob Storage using ambient
// credentials (managed identity, workload identity, or az login).
type AzureStore struct {
	client    *azblob.Client
	container string
}

var _ Store = (*AzureStore)(nil)

// NewAzureStore builds a client for the account's blob endpoint using
// the default credential chain.
func NewAzureStore(account, containerName string) (*AzureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("acquire azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	return &AzureStore{client: client, container: containerName}, nil
}

// Put uploads the blob with an If-None-Match: * condition so an
// existing blob is never overwritten. Azure reports the collision as
// BlobAlreadyExists or ConditionNotMet depending on the code path; both
// map to ErrKeyExists.
func (s *AzureStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	uploadOpts := &azblob.UploadBufferOptions{
		Metadata: toAzureMetadata(opts.Metadata),
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{
			BlobContentType: to.Ptr(opts.ContentType),
		}
	}

	_, err := s.client.UploadBuffer(ctx, s.container, key, data, uploadOpts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return ErrKeyExists
		}
		return fmt.Errorf("upload blob %s: %w", key, err)
	}
	return nil
}

// Get downloads the blob's content and metadata.
func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, fromAzureMetadata(resp.Metadata), nil
}

// List pages through blobs under prefix, including metadata.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:  to.Ptr(prefix),
		Include: container.ListBlobsInclude{Metadata: true},
	})

	var items []Item
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs under %s: %w", prefix, err)
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			item := Item{Name: *b.Name, Metadata: fromAzureMetadata(b.Metadata)}
			if b.Properties != nil && b.Properties.LastModified != nil {
				item.LastModified = *b.Properties.LastModified
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// SetMetadata replaces the blob's user metadata.
func (s *AzureStore) SetMetadata(ctx context.Context, key string, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	blobClient := s.client.ServiceClient().
		NewContainerClient(s.container).
		NewBlobClient(key)

	_, err := blobClient.SetMetadata(ctx, toAzureMetadata(metadata), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("set metadata on %s: %w", key, err)
	}
	return nil
}

// toAzureMetadata converts to the SDK's pointer-valued map.
func toAzureMetadata(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = to.Ptr(v)
	}
	return out
}

// fromAzureMetadata flattens the SDK's pointer-valued map.
func fromAzureMetadata(m map[string]*string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}
