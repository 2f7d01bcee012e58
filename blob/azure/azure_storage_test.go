package azure

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpg/cloudpg/internal/testlogging"
)

func testStorageKey() string {
	return base64.StdEncoding.EncodeToString([]byte("not-a-real-storage-key"))
}

func TestNewValidation(t *testing.T) {
	ctx := testlogging.Context(t)

	_, err := New(ctx, &Options{})
	require.ErrorContains(t, err, "container name must be specified")

	_, err = New(ctx, &Options{Container: "backups"})
	require.ErrorContains(t, err, "storage account must be specified")
}

func TestFromURL(t *testing.T) {
	ctx := testlogging.Context(t)

	t.Setenv("AZURE_STORAGE_KEY", testStorageKey())
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")

	u, err := url.Parse("azure://myaccount/backups/pg")
	require.NoError(t, err)

	st, err := fromURL(ctx, u)
	require.NoError(t, err)

	defer st.Close(ctx) //nolint:errcheck

	s := st.(*azStorage)
	require.Equal(t, "myaccount", s.StorageAccount)
	require.Equal(t, "backups", s.Container)
	require.Equal(t, "pg/", s.Prefix)
	require.Empty(t, s.StorageDomain)
}

func TestFromURLCustomDomain(t *testing.T) {
	ctx := testlogging.Context(t)

	t.Setenv("AZURE_STORAGE_KEY", testStorageKey())
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")

	u, err := url.Parse("azure://myaccount.blob.core.usgovcloudapi.net/backups")
	require.NoError(t, err)

	st, err := fromURL(ctx, u)
	require.NoError(t, err)

	defer st.Close(ctx) //nolint:errcheck

	s := st.(*azStorage)
	require.Equal(t, "myaccount", s.StorageAccount)
	require.Equal(t, "blob.core.usgovcloudapi.net", s.StorageDomain)
	require.Equal(t, "backups", s.Container)
	require.Empty(t, s.Prefix)
}

func TestBlockIDs(t *testing.T) {
	// block IDs must be constant-length base64 so the service accepts the
	// block list.
	id1 := blockIDForPart(1)
	id999 := blockIDForPart(999)

	require.Len(t, id1, len(id999))

	decoded, err := base64.StdEncoding.DecodeString(id1)
	require.NoError(t, err)
	require.Equal(t, "part-00000001", string(decoded))
}
