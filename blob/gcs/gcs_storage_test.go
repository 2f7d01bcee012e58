package gcs

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/cloudpg/cloudpg/internal/testlogging"
)

func TestNewValidation(t *testing.T) {
	ctx := testlogging.Context(t)

	_, err := New(ctx, &Options{})
	require.ErrorContains(t, err, "bucket name must be specified")
}

func TestIsRetriable(t *testing.T) {
	gcs := &gcsStorage{}

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&googleapi.Error{Code: http.StatusInternalServerError}, true},
		{&googleapi.Error{Code: http.StatusServiceUnavailable}, true},
		{&googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{&googleapi.Error{Code: http.StatusRequestTimeout}, true},
		{&googleapi.Error{Code: http.StatusNotFound}, false},
		{&googleapi.Error{Code: http.StatusForbidden}, false},
		{errors.New("connection refused"), true},
		{errors.New("invalid argument"), false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, gcs.IsRetriable(tc.err), "error: %v", tc.err)
	}
}

func TestObjectNamePrefix(t *testing.T) {
	gcs := &gcsStorage{Options: Options{BucketName: "b", Prefix: "backups/"}}

	require.Equal(t, "backups/pg/base/b1/data_0000.tar", gcs.getObjectNameString("pg/base/b1/data_0000.tar"))
	require.Equal(t, "GCS: b", gcs.DisplayName())
}
