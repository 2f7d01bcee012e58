package cli

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/cloudpg/cloudpg/backup"
)

func setCompressionFlags(t *testing.T, gz, bz, sn bool) {
	t.Helper()

	oldGz, oldBz, oldSn := *backupGzip, *backupBzip2, *backupSnappy

	t.Cleanup(func() {
		*backupGzip, *backupBzip2, *backupSnappy = oldGz, oldBz, oldSn
	})

	*backupGzip, *backupBzip2, *backupSnappy = gz, bz, sn
}

func TestCompressionModeSelection(t *testing.T) {
	cases := []struct {
		gz, bz, sn bool
		want       backup.CompressionMode
		wantErr    bool
	}{
		{false, false, false, backup.CompressionNone, false},
		{true, false, false, backup.CompressionGzip, false},
		{false, true, false, backup.CompressionBzip2, false},
		{false, false, true, backup.CompressionSnappy, false},
		{true, true, false, "", true},
		{true, false, true, "", true},
		{true, true, true, "", true},
	}

	for _, tc := range cases {
		setCompressionFlags(t, tc.gz, tc.bz, tc.sn)

		mode, err := compressionMode()
		if tc.wantErr {
			// conflicting flags are a usage error, reported before any
			// database or network activity.
			var ue *usageError
			require.ErrorAs(t, err, &ue)

			continue
		}

		require.NoError(t, err)
		require.Equal(t, tc.want, mode)
	}
}

func TestExitCodeForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"usage", usageErrorf("conflicting flags"), ExitUsage},
		{"connectivity", &backup.ConnectivityError{Err: errors.New("dial tcp")}, ExitConnectivity},
		{"protocol", &backup.ProtocolError{Err: errors.New("backup refused")}, ExitBackupFailed},
		{"capture", &backup.CaptureError{Err: errors.New("read failed")}, ExitBackupFailed},
		{"failed-segments", &backupFailedError{outcome: &backup.Outcome{TotalSegments: 1}}, ExitBackupFailed},
		{"wrapped-connectivity", errors.Wrap(&backup.ConnectivityError{Err: errors.New("403")}, "uploading"), ExitConnectivity},
		{"parse", errors.New("unknown long flag '--frob'"), ExitUsage},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, exitCodeForError(tc.err))
		})
	}
}
