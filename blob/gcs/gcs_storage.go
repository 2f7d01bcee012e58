// Package gcs implements blob.Storage based on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/clock"
)

const (
	gcsStorageType = "google-cloud-storage"

	multipartThreshold = 64 << 20
	partSize           = 16 << 20
)

type gcsStorage struct {
	Options

	storageClient *gcsclient.Client
	bucket        *gcsclient.BucketHandle
}

func (gcs *gcsStorage) TestConnectivity(ctx context.Context) error {
	// list with a prefix that will not exist to avoid iterating any objects;
	// this fails when the bucket is missing or credentials are bad.
	nonExistentPrefix := fmt.Sprintf("cloudpg-gcs-storage-initializing-%v", clock.Now().UnixNano())

	lst := gcs.bucket.Objects(ctx, &gcsclient.Query{Prefix: nonExistentPrefix})

	if _, err := lst.Next(); !errors.Is(err, iterator.Done) && err != nil {
		return errors.Wrapf(err, "unable to list from bucket %q", gcs.BucketName)
	}

	return nil
}

func (gcs *gcsStorage) newObjectWriter(ctx context.Context, id blob.ID, opts blob.PutOptions) *gcsclient.Writer {
	writer := gcs.bucket.Object(gcs.getObjectNameString(id)).NewWriter(ctx)
	writer.ChunkSize = partSize
	writer.ContentType = opts.ContentType

	if len(opts.Tags) > 0 {
		// GCS has no first-class object tags; carry them as custom metadata.
		writer.ObjectAttrs.Metadata = opts.Tags
	}

	if k := opts.Encryption.KMSKeyName; k != "" {
		writer.KMSKeyName = k
	}

	return writer
}

func (gcs *gcsStorage) PutBlob(ctx context.Context, id blob.ID, data io.Reader, length int64, opts blob.PutOptions) error {
	ctx, cancel := context.WithCancel(ctx)

	writer := gcs.newObjectWriter(ctx, id, opts)

	if _, err := io.Copy(writer, data); err != nil {
		// canceling the context before Close abandons the upload.
		cancel()

		_ = writer.Close() // failing already, ignore the error

		return errors.Wrap(err, "PutBlob")
	}

	defer cancel()

	// Close before cancel commits the upload.
	return errors.Wrap(writer.Close(), "PutBlob")
}

// BeginMultipart starts a resumable upload of the object. GCS has no
// part-token protocol; the resumable writer consumes parts strictly in
// order, which the upload coordinator guarantees.
func (gcs *gcsStorage) BeginMultipart(ctx context.Context, id blob.ID, opts blob.PutOptions) (blob.MultipartHandle, error) {
	wctx, cancel := context.WithCancel(ctx)

	return &gcsMultipartHandle{
		storage:  gcs,
		id:       id,
		writer:   gcs.newObjectWriter(wctx, id, opts),
		cancel:   cancel,
		nextPart: 1,
	}, nil
}

type gcsMultipartHandle struct {
	storage  *gcsStorage
	id       blob.ID
	writer   *gcsclient.Writer
	cancel   context.CancelFunc
	nextPart int
	done     bool
}

func (h *gcsMultipartHandle) UploadPart(ctx context.Context, partNumber int, data io.Reader, length int64) (blob.Part, error) {
	if partNumber != h.nextPart {
		return blob.Part{}, errors.Errorf("out-of-order part %v, expected %v", partNumber, h.nextPart)
	}

	n, err := io.Copy(h.writer, data)
	if err != nil {
		return blob.Part{}, errors.Wrapf(err, "writing part #%v", partNumber)
	}

	h.nextPart++

	return blob.Part{PartNumber: partNumber, Size: n}, nil
}

func (h *gcsMultipartHandle) Complete(ctx context.Context, parts []blob.Part) error {
	if h.done {
		return errors.New("multipart upload already finished")
	}

	h.done = true

	defer h.cancel()

	return errors.Wrap(h.writer.Close(), "Complete")
}

func (h *gcsMultipartHandle) Abort(ctx context.Context) error {
	if !h.done {
		h.done = true

		// canceling the writer context abandons the resumable session.
		h.cancel()
		_ = h.writer.Close()
	}

	// remove the object in case a previous Complete partially succeeded.
	return errors.Wrap(h.storage.DeleteBlob(ctx, h.id), "aborting multipart upload")
}

func (gcs *gcsStorage) DeleteBlob(ctx context.Context, id blob.ID) error {
	err := gcs.bucket.Object(gcs.getObjectNameString(id)).Delete(ctx)
	if errors.Is(err, gcsclient.ErrObjectNotExist) {
		return nil
	}

	return errors.Wrap(err, "DeleteBlob")
}

func (gcs *gcsStorage) IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var ae *googleapi.Error

	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests || ae.Code == http.StatusRequestTimeout
	}

	if strings.Contains(strings.ToLower(err.Error()), "connection") {
		return true
	}

	return false
}

func (gcs *gcsStorage) Limits() blob.Limits {
	return blob.Limits{
		MultipartThreshold: multipartThreshold,
		PartSize:           partSize,
	}
}

func (gcs *gcsStorage) getObjectNameString(id blob.ID) string {
	return gcs.Prefix + string(id)
}

func (gcs *gcsStorage) ConnectionInfo() blob.ConnectionInfo {
	return blob.ConnectionInfo{
		Type:   gcsStorageType,
		Config: &gcs.Options,
	}
}

func (gcs *gcsStorage) DisplayName() string {
	return fmt.Sprintf("GCS: %v", gcs.BucketName)
}

func (gcs *gcsStorage) Close(ctx context.Context) error {
	return errors.Wrap(gcs.storageClient.Close(), "error closing GCS storage")
}

func tokenSourceFromCredentialsFile(ctx context.Context, fn string, scopes ...string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(fn) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "error reading credentials file")
	}

	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, errors.Wrap(err, "google.CredentialsFromJSON")
	}

	return creds.TokenSource, nil
}

// New creates new Google Cloud Storage-backed storage with the specified
// options. The 'BucketName' field is required.
//
// By default the connection reuses application-default credentials
// (https://cloud.google.com/sdk/), unless a credentials file is provided.
func New(ctx context.Context, opt *Options) (blob.Storage, error) {
	if opt.BucketName == "" {
		return nil, errors.New("bucket name must be specified")
	}

	var (
		ts  oauth2.TokenSource
		err error
	)

	if fn := opt.ServiceAccountCredentialsFile; fn != "" {
		ts, err = tokenSourceFromCredentialsFile(ctx, fn, gcsclient.ScopeReadWrite)
	} else {
		ts, err = google.DefaultTokenSource(ctx, gcsclient.ScopeReadWrite)
	}

	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize token source")
	}

	cli, err := gcsclient.NewClient(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create GCS client")
	}

	return &gcsStorage{
		Options:       *opt,
		storageClient: cli,
		bucket:        cli.Bucket(opt.BucketName),
	}, nil
}

func fromURL(ctx context.Context, u *url.URL) (blob.Storage, error) {
	opt := &Options{
		BucketName:                    u.Host,
		Prefix:                        strings.TrimPrefix(u.Path, "/"),
		ServiceAccountCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}

	if opt.Prefix != "" && !strings.HasSuffix(opt.Prefix, "/") {
		opt.Prefix += "/"
	}

	return New(ctx, opt)
}

func init() {
	blob.AddSupportedStorage(gcsStorageType, []string{"gs", "gcs"}, fromURL)
}
