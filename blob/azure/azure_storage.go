// Package azure implements blob.Storage based on Azure Blob Storage.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/clock"
)

const (
	azStorageType = "azure-blob-storage"

	defaultStorageDomain = "blob.core.windows.net"

	multipartThreshold = 64 << 20
	partSize           = 16 << 20
)

type azStorage struct {
	Options

	service   *azblob.Client
	container *container.Client
}

func (az *azStorage) TestConnectivity(ctx context.Context) error {
	// list with a prefix that will not exist to avoid iterating any objects;
	// this fails when the container is missing or credentials are bad.
	nonExistentPrefix := fmt.Sprintf("cloudpg-azure-storage-initializing-%v", clock.Now().UnixNano())

	pager := az.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &nonExistentPrefix,
	})

	if _, err := pager.NextPage(ctx); err != nil {
		return errors.Wrapf(err, "unable to list from container %q", az.Container)
	}

	return nil
}

func (az *azStorage) PutBlob(ctx context.Context, id blob.ID, data io.Reader, length int64, opts blob.PutOptions) error {
	_, err := az.service.UploadStream(ctx, az.Container, az.getObjectNameString(id), data, &azblob.UploadStreamOptions{
		BlockSize:    partSize,
		Tags:         nonEmptyMap(opts.Tags),
		CPKScopeInfo: toCPKScopeInfo(opts.Encryption),
		HTTPHeaders:  toHTTPHeaders(opts.ContentType),
	})

	return errors.Wrap(err, "UploadStream")
}

func (az *azStorage) BeginMultipart(ctx context.Context, id blob.ID, opts blob.PutOptions) (blob.MultipartHandle, error) {
	// Azure has no explicit begin call; staged blocks remain uncommitted
	// until CommitBlockList and are garbage-collected by the service.
	return &azMultipartHandle{
		storage: az,
		client:  az.container.NewBlockBlobClient(az.getObjectNameString(id)),
		id:      id,
		opts:    opts,
	}, nil
}

type azMultipartHandle struct {
	storage *azStorage
	client  *blockblob.Client
	id      blob.ID
	opts    blob.PutOptions

	blockIDs []string
}

func blockIDForPart(partNumber int) string {
	// block IDs within one blob must have equal length
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("part-%08d", partNumber)))
}

func (h *azMultipartHandle) UploadPart(ctx context.Context, partNumber int, data io.Reader, length int64) (blob.Part, error) {
	buf := make([]byte, 0, length)

	b := bytes.NewBuffer(buf)
	if _, err := io.CopyN(b, data, length); err != nil {
		return blob.Part{}, errors.Wrapf(err, "reading part #%v", partNumber)
	}

	blockID := blockIDForPart(partNumber)

	_, err := h.client.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(b.Bytes())), &blockblob.StageBlockOptions{
		CPKScopeInfo: toCPKScopeInfo(h.opts.Encryption),
	})
	if err != nil {
		return blob.Part{}, errors.Wrapf(err, "StageBlock #%v", partNumber)
	}

	h.blockIDs = append(h.blockIDs, blockID)

	return blob.Part{PartNumber: partNumber, ETag: blockID, Size: length}, nil
}

func (h *azMultipartHandle) Complete(ctx context.Context, parts []blob.Part) error {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ETag)
	}

	_, err := h.client.CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		Tags:         nonEmptyMap(h.opts.Tags),
		CPKScopeInfo: toCPKScopeInfo(h.opts.Encryption),
		HTTPHeaders:  toHTTPHeaders(h.opts.ContentType),
	})

	return errors.Wrap(err, "CommitBlockList")
}

func (h *azMultipartHandle) Abort(ctx context.Context) error {
	// There is no abort RPC for staged blocks; they expire server-side after
	// a week. Remove the committed blob, if any, so a partial upload never
	// masquerades as a complete archive.
	err := h.storage.DeleteBlob(ctx, h.id)

	return errors.Wrap(err, "aborting multipart upload")
}

func (az *azStorage) DeleteBlob(ctx context.Context, id blob.ID) error {
	_, err := az.container.NewBlockBlobClient(az.getObjectNameString(id)).Delete(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}

	return errors.Wrap(err, "Delete")
}

func (az *azStorage) IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var re *azcore.ResponseError

	if errors.As(err, &re) {
		return re.StatusCode >= 500 || re.StatusCode == 429 || re.StatusCode == 408
	}

	if strings.Contains(strings.ToLower(err.Error()), "connection") {
		return true
	}

	return false
}

func (az *azStorage) Limits() blob.Limits {
	return blob.Limits{
		MultipartThreshold: multipartThreshold,
		PartSize:           partSize,
	}
}

func (az *azStorage) getObjectNameString(id blob.ID) string {
	return az.Prefix + string(id)
}

func (az *azStorage) ConnectionInfo() blob.ConnectionInfo {
	return blob.ConnectionInfo{
		Type:   azStorageType,
		Config: &az.Options,
	}
}

func (az *azStorage) DisplayName() string {
	return fmt.Sprintf("Azure: %v", az.Container)
}

func (az *azStorage) Close(ctx context.Context) error {
	return nil
}

func nonEmptyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}

	return m
}

func toCPKScopeInfo(e blob.EncryptionOptions) *azblobblob.CPKScopeInfo {
	if e.EncryptionScope == "" {
		return nil
	}

	return &azblobblob.CPKScopeInfo{EncryptionScope: &e.EncryptionScope}
}

func toHTTPHeaders(contentType string) *azblobblob.HTTPHeaders {
	if contentType == "" {
		return nil
	}

	return &azblobblob.HTTPHeaders{BlobContentType: &contentType}
}

// New creates new Azure Blob Storage-backed storage with the specified
// options. The 'Container' and 'StorageAccount' fields are required.
func New(ctx context.Context, opt *Options) (blob.Storage, error) {
	if opt.Container == "" {
		return nil, errors.New("container name must be specified")
	}

	if opt.StorageAccount == "" {
		return nil, errors.New("storage account must be specified")
	}

	storageDomain := opt.StorageDomain
	if storageDomain == "" {
		storageDomain = defaultStorageDomain
	}

	serviceURL := fmt.Sprintf("https://%v.%v/", opt.StorageAccount, storageDomain)

	var (
		service    *azblob.Client
		serviceErr error
	)

	switch {
	case opt.SASToken != "":
		service, serviceErr = azblob.NewClientWithNoCredential(serviceURL+"?"+opt.SASToken, nil)

	case opt.StorageKey != "":
		cred, err := azblob.NewSharedKeyCredential(opt.StorageAccount, opt.StorageKey)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize credentials")
		}

		service, serviceErr = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)

	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize default credentials")
		}

		service, serviceErr = azblob.NewClient(serviceURL, cred, nil)
	}

	if serviceErr != nil {
		return nil, errors.Wrap(serviceErr, "opening azure service")
	}

	return &azStorage{
		Options:   *opt,
		service:   service,
		container: service.ServiceClient().NewContainerClient(opt.Container),
	}, nil
}

// fromURL handles destination URLs of the form
// azure://account.blob.core.windows.net/container/prefix (and https:// with
// the same shape). Credentials come from AZURE_STORAGE_KEY or
// AZURE_STORAGE_SAS_TOKEN, falling back to the default credential chain.
func fromURL(ctx context.Context, u *url.URL) (blob.Storage, error) {
	hostParts := strings.SplitN(u.Host, ".", 2)

	opt := &Options{
		StorageAccount: hostParts[0],
		StorageKey:     os.Getenv("AZURE_STORAGE_KEY"),
		SASToken:       os.Getenv("AZURE_STORAGE_SAS_TOKEN"),
	}

	if opt.StorageAccount == "" {
		opt.StorageAccount = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}

	if len(hostParts) == 2 {
		opt.StorageDomain = hostParts[1]
	}

	pathParts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	opt.Container = pathParts[0]

	if len(pathParts) == 2 && pathParts[1] != "" {
		opt.Prefix = pathParts[1]
		if !strings.HasSuffix(opt.Prefix, "/") {
			opt.Prefix += "/"
		}
	}

	return New(ctx, opt)
}

func init() {
	blob.AddSupportedStorage(azStorageType, []string{"azure"}, fromURL)
}
