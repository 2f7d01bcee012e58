// Package s3 implements blob.Storage based on an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/blob"
)

const (
	s3storageType = "aws-s3"

	defaultEndpoint = "s3.amazonaws.com"

	// any object larger than this is uploaded via the multipart protocol.
	multipartThreshold = 100 << 20
	partSize           = 16 << 20
)

type s3Storage struct {
	Options

	cli  *minio.Client
	core *minio.Core
}

func (s *s3Storage) TestConnectivity(ctx context.Context) error {
	ok, err := s.cli.BucketExists(ctx, s.BucketName)
	if err != nil {
		return errors.Wrapf(err, "unable to access bucket %q", s.BucketName)
	}

	if !ok {
		return errors.Errorf("bucket %q does not exist", s.BucketName)
	}

	return nil
}

func (s *s3Storage) PutBlob(ctx context.Context, id blob.ID, data io.Reader, length int64, opts blob.PutOptions) error {
	po := minio.PutObjectOptions{
		ContentType:          opts.ContentType,
		UserTags:             opts.Tags,
		ServerSideEncryption: toServerSideEncryption(opts.Encryption),
		// disable client-side multipart splitting, the caller decides.
		DisableMultipart: true,
	}

	_, err := s.cli.PutObject(ctx, s.BucketName, s.getObjectNameString(id), data, length, po)

	return errors.Wrap(err, "PutObject")
}

func (s *s3Storage) BeginMultipart(ctx context.Context, id blob.ID, opts blob.PutOptions) (blob.MultipartHandle, error) {
	object := s.getObjectNameString(id)

	sse := toServerSideEncryption(opts.Encryption)

	uploadID, err := s.core.NewMultipartUpload(ctx, s.BucketName, object, minio.PutObjectOptions{
		ContentType:          opts.ContentType,
		UserTags:             opts.Tags,
		ServerSideEncryption: sse,
	})
	if err != nil {
		return nil, errors.Wrap(err, "NewMultipartUpload")
	}

	return &s3MultipartHandle{
		storage:  s,
		object:   object,
		uploadID: uploadID,
		sse:      sse,
	}, nil
}

type s3MultipartHandle struct {
	storage  *s3Storage
	object   string
	uploadID string
	sse      encrypt.ServerSide
	aborted  bool
}

func (h *s3MultipartHandle) UploadPart(ctx context.Context, partNumber int, data io.Reader, length int64) (blob.Part, error) {
	op, err := h.storage.core.PutObjectPart(ctx, h.storage.BucketName, h.object, h.uploadID, partNumber, data, length, minio.PutObjectPartOptions{
		SSE: h.sse,
	})
	if err != nil {
		return blob.Part{}, errors.Wrapf(err, "PutObjectPart #%v", partNumber)
	}

	return blob.Part{PartNumber: op.PartNumber, ETag: op.ETag, Size: op.Size}, nil
}

func (h *s3MultipartHandle) Complete(ctx context.Context, parts []blob.Part) error {
	cp := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		cp = append(cp, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	_, err := h.storage.core.CompleteMultipartUpload(ctx, h.storage.BucketName, h.object, h.uploadID, cp, minio.PutObjectOptions{})

	return errors.Wrap(err, "CompleteMultipartUpload")
}

func (h *s3MultipartHandle) Abort(ctx context.Context) error {
	if h.aborted {
		return nil
	}

	err := h.storage.core.AbortMultipartUpload(ctx, h.storage.BucketName, h.object, h.uploadID)
	if err != nil {
		var me minio.ErrorResponse
		if errors.As(err, &me) && me.Code == "NoSuchUpload" {
			// already aborted or completed
			err = nil
		}
	}

	if err == nil {
		h.aborted = true
	}

	return errors.Wrap(err, "AbortMultipartUpload")
}

func (s *s3Storage) DeleteBlob(ctx context.Context, id blob.ID) error {
	err := s.cli.RemoveObject(ctx, s.BucketName, s.getObjectNameString(id), minio.RemoveObjectOptions{})

	return errors.Wrap(err, "RemoveObject")
}

func (s *s3Storage) IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var me minio.ErrorResponse

	if errors.As(err, &me) {
		// retry on server errors and throttling, not on other client errors
		return me.StatusCode >= 500 || me.StatusCode == 429 || me.StatusCode == 408
	}

	if strings.Contains(strings.ToLower(err.Error()), "http") {
		// retry http transport errors, unfortunately no other way to detect them
		return true
	}

	return false
}

func (s *s3Storage) Limits() blob.Limits {
	return blob.Limits{
		MultipartThreshold: multipartThreshold,
		PartSize:           partSize,
	}
}

func (s *s3Storage) getObjectNameString(id blob.ID) string {
	return s.Prefix + string(id)
}

func (s *s3Storage) ConnectionInfo() blob.ConnectionInfo {
	return blob.ConnectionInfo{
		Type:   s3storageType,
		Config: &s.Options,
	}
}

func (s *s3Storage) DisplayName() string {
	return fmt.Sprintf("S3: %v %v", s.Endpoint, s.BucketName)
}

func (s *s3Storage) Close(ctx context.Context) error {
	return nil
}

func (s *s3Storage) String() string {
	return fmt.Sprintf("s3://%v/%v", s.BucketName, s.Prefix)
}

func credentialsChain(opt *Options) *credentials.Credentials {
	if opt.AccessKeyID != "" && opt.SecretAccessKey != "" {
		return credentials.NewStaticV4(opt.AccessKeyID, opt.SecretAccessKey, opt.SessionToken)
	}

	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	})
}

// New creates new S3-backed storage with the specified options. The
// 'BucketName' field is required, all other fields are optional.
func New(ctx context.Context, opt *Options) (blob.Storage, error) {
	if opt.BucketName == "" {
		return nil, errors.New("bucket name must be specified")
	}

	if opt.Endpoint == "" {
		opt.Endpoint = defaultEndpoint
	}

	endpoint := opt.Endpoint

	minioOpts := &minio.Options{
		Creds:  credentialsChain(opt),
		Secure: !opt.DoNotUseTLS,
		Region: opt.Region,
	}

	core, err := minio.NewCore(endpoint, minioOpts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create client")
	}

	return &s3Storage{
		Options: *opt,
		cli:     core.Client,
		core:    core,
	}, nil
}

func fromURL(ctx context.Context, u *url.URL) (blob.Storage, error) {
	opt := &Options{
		BucketName: u.Host,
		Prefix:     strings.TrimPrefix(u.Path, "/"),
		Endpoint:   os.Getenv("AWS_ENDPOINT_URL"),
		Region:     os.Getenv("AWS_DEFAULT_REGION"),
	}

	if opt.Prefix != "" && !strings.HasSuffix(opt.Prefix, "/") {
		opt.Prefix += "/"
	}

	if e := opt.Endpoint; e != "" {
		if eu, err := url.Parse(e); err == nil && eu.Host != "" {
			opt.Endpoint = eu.Host
			opt.DoNotUseTLS = eu.Scheme == "http"
		}
	}

	return New(ctx, opt)
}

func toServerSideEncryption(e blob.EncryptionOptions) encrypt.ServerSide {
	switch e.Type {
	case "aws:kms":
		sse, err := encrypt.NewSSEKMS(e.KMSKeyID, nil)
		if err != nil {
			return nil
		}

		return sse
	case "AES256":
		return encrypt.NewSSE()
	default:
		return nil
	}
}

func init() {
	blob.AddSupportedStorage(s3storageType, []string{"s3"}, fromURL)
}
