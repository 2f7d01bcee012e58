// Package blob defines the capability interface for cloud object storage
// used to receive backup archives.
package blob

import (
	"context"
	"encoding/json"
	"io"
)

// ID is the object key of a single stored object, relative to the
// storage-level prefix.
type ID string

// PutOptions are applied to every uploaded object.
type PutOptions struct {
	// Tags are attached to the object as provider tags.
	Tags map[string]string

	// Encryption carries provider-specific server-side encryption parameters,
	// passed through opaquely.
	Encryption EncryptionOptions

	// ContentType of the uploaded object, when the provider supports it.
	ContentType string
}

// EncryptionOptions are provider-specific server-side encryption parameters.
// Only the fields understood by the selected provider are consulted.
type EncryptionOptions struct {
	// Type selects the encryption flavor for S3-compatible stores
	// ("AES256" or "aws:kms").
	Type string `json:"type,omitempty"`

	// KMSKeyID names the KMS key for S3 SSE-KMS.
	KMSKeyID string `json:"kmsKeyID,omitempty"`

	// EncryptionScope names the Azure encryption scope.
	EncryptionScope string `json:"encryptionScope,omitempty"`

	// KMSKeyName names the Cloud KMS key for GCS.
	KMSKeyName string `json:"kmsKeyName,omitempty"`
}

// Part identifies one successfully uploaded part of a multipart upload.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// MultipartHandle tracks one in-progress multipart upload. A handle must be
// explicitly completed or aborted, never abandoned.
type MultipartHandle interface {
	// UploadPart transfers one part. Part numbers start at 1 and must be
	// submitted in increasing order.
	UploadPart(ctx context.Context, partNumber int, data io.Reader, length int64) (Part, error)

	// Complete commits the object from the given parts.
	Complete(ctx context.Context, parts []Part) error

	// Abort cancels the upload and releases any storage already consumed by
	// uploaded parts. It is idempotent and safe to call after a failed
	// Complete.
	Abort(ctx context.Context) error
}

// Limits describe provider-specific upload sizing.
type Limits struct {
	// MultipartThreshold is the object size at or below which a single put
	// is used instead of a multipart upload.
	MultipartThreshold int64

	// PartSize is the size of individual multipart parts.
	PartSize int64
}

// Storage encapsulates the cloud provider operations needed to ship backup
// archives. Implementations exist for S3-compatible stores, Azure Blob
// Storage and Google Cloud Storage.
type Storage interface {
	// TestConnectivity verifies that the destination bucket or container is
	// reachable and writable with the current credentials.
	TestConnectivity(ctx context.Context) error

	// PutBlob uploads the object in a single request.
	PutBlob(ctx context.Context, id ID, data io.Reader, length int64, opts PutOptions) error

	// BeginMultipart starts a multipart upload of the object.
	BeginMultipart(ctx context.Context, id ID, opts PutOptions) (MultipartHandle, error)

	// DeleteBlob removes the object. Deleting an object that does not exist
	// is not an error.
	DeleteBlob(ctx context.Context, id ID) error

	// IsRetriable reports whether the given provider error is transient
	// (throttling, timeout, connection reset) and worth retrying.
	IsRetriable(err error) bool

	// Limits returns provider upload sizing defaults.
	Limits() Limits

	// ConnectionInfo returns a JSON-serializable description of the
	// connection.
	ConnectionInfo() ConnectionInfo

	// DisplayName identifies the storage for humans.
	DisplayName() string

	// Close releases all resources associated with the storage.
	Close(ctx context.Context) error
}

// ConnectionInfo represents JSON-serializable connection information.
type ConnectionInfo struct {
	Type   string      `json:"type"`
	Config interface{} `json:"config"`
}

func (c ConnectionInfo) String() string {
	b, _ := json.Marshal(c) //nolint:errchkjson

	return string(b)
}
