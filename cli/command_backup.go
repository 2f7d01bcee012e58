package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/alecthomas/units"

	"github.com/cloudpg/cloudpg/backup"
	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/retry"
	"github.com/cloudpg/cloudpg/logging"
	"github.com/cloudpg/cloudpg/postgres"
)

// Environment variables consulted when invoked as a hook from an external
// backup manager: the directory to archive and the backup identifier to use.
const (
	envBackupDir = "CLOUDPG_BACKUP_DIR"
	envBackupID  = "CLOUDPG_BACKUP_ID"
)

var log = logging.Module("cli")

//nolint:gochecknoglobals
var (
	backupCommand = app.Command("backup", "Back up a PostgreSQL server to cloud object storage.")

	backupDestinationURL = backupCommand.Arg("destination_url", "URL of the cloud destination, e.g. s3://bucket/path or gs://bucket/path.").Required().String()
	backupServerName     = backupCommand.Arg("server_name", "Name of the server to be backed up.").Required().String()

	backupCloudProvider = backupCommand.Flag("cloud-provider", "The cloud provider to use as the storage backend.").
				Enum("aws-s3", "azure-blob-storage", "google-cloud-storage")

	backupTest = backupCommand.Flag("test", "Test connectivity to the cloud destination and exit.").Short('t').Bool()

	backupGzip   = backupCommand.Flag("gzip", "Compress the archives with gzip.").Short('z').Bool()
	backupBzip2  = backupCommand.Flag("bzip2", "Compress the archives with bzip2.").Short('j').Bool()
	backupSnappy = backupCommand.Flag("snappy", "Compress the archives with snappy.").Bool()

	backupHost   = backupCommand.Flag("host", "Database host or socket directory.").Short('h').String()
	backupPort   = backupCommand.Flag("port", "Database port.").Short('p').Int()
	backupUser   = backupCommand.Flag("user", "Database user.").Short('U').String()
	backupDbname = backupCommand.Flag("dbname", "Database name to connect to.").Short('d').String()

	backupImmediateCheckpoint = backupCommand.Flag("immediate-checkpoint", "Forces the initial checkpoint to be done as quickly as possible.").Bool()

	backupJobs           = backupCommand.Flag("jobs", "Number of parallel upload jobs.").Short('J').Default("2").Int()
	backupMaxArchiveSize = backupCommand.Flag("max-archive-size", "Maximum size of a single archive segment.").Default("100GiB").Bytes()
	backupReadTimeout    = backupCommand.Flag("read-timeout", "Timeout for individual network operations; no timeout spans the whole backup.").Default("2m").Duration()

	backupName = backupCommand.Flag("name", "A name which can be used to reference this backup.").Short('n').String()
	backupTags = backupCommand.Flag("tags", "Tags to be added to every uploaded object, as KEY=VALUE.").StringMap()

	backupEncryption      = backupCommand.Flag("encryption", "Server-side encryption for AWS S3 (AES256 or aws:kms).").Enum("AES256", "aws:kms")
	backupSSEKMSKeyID     = backupCommand.Flag("sse-kms-key-id", "KMS key ID for AWS S3 SSE-KMS encryption.").String()
	backupEncryptionScope = backupCommand.Flag("encryption-scope", "Encryption scope for Azure Blob Storage.").String()
	backupKMSKeyName      = backupCommand.Flag("kms-key-name", "Cloud KMS key name for Google Cloud Storage.").String()
)

func init() {
	backupCommand.Action(runBackup)
}

func compressionMode() (backup.CompressionMode, error) {
	mode := backup.CompressionNone
	selected := 0

	if *backupGzip {
		mode = backup.CompressionGzip
		selected++
	}

	if *backupBzip2 {
		mode = backup.CompressionBzip2
		selected++
	}

	if *backupSnappy {
		mode = backup.CompressionSnappy
		selected++
	}

	if selected > 1 {
		return mode, usageErrorf("--gzip, --bzip2 and --snappy are mutually exclusive")
	}

	return mode, nil
}

func runBackup(pc *kingpin.ParseContext) error {
	actionStarted = true

	ctx := rootContext()

	// all input validation happens before any database or network activity.
	mode, err := compressionMode()
	if err != nil {
		return err
	}

	if *backupJobs < 1 {
		return usageErrorf("--jobs must be at least 1")
	}

	st, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer st.Close(ctx) //nolint:errcheck

	if *backupTest {
		if err := st.TestConnectivity(ctx); err != nil {
			return &backup.ConnectivityError{Err: err}
		}

		fmt.Printf("Connection to %v OK\n", st.DisplayName())

		return nil
	}

	session := backup.NewSession(*backupServerName)
	session.BackupName = *backupName
	session.ImmediateCheckpoint = *backupImmediateCheckpoint
	session.Compression = mode
	session.MaxArchiveSize = int64(*backupMaxArchiveSize)
	session.Jobs = *backupJobs
	session.Tags = *backupTags

	if session.MaxArchiveSize < backup.PostgresFileSizeAllowance {
		log(ctx).Warnf("max archive size %v is below the engine's %v file size allowance; files up to that size are still uploaded whole",
			units.Base2Bytes(session.MaxArchiveSize), units.Base2Bytes(backup.PostgresFileSizeAllowance))
	}
	session.Encryption = blob.EncryptionOptions{
		Type:            *backupEncryption,
		KMSKeyID:        *backupSSEKMSKeyID,
		EncryptionScope: *backupEncryptionScope,
		KMSKeyName:      *backupKMSKeyName,
	}

	captureOpts := backup.CaptureOptions{Session: session}

	if dir, id := os.Getenv(envBackupDir), os.Getenv(envBackupID); dir != "" && id != "" {
		// hook mode: archive a directory prepared by an external backup
		// manager, no database protocol involved.
		session.BackupID = id
		captureOpts.DataDir = dir

		log(ctx).Infof("hook mode: archiving %v as backup %v", dir, id)
	} else {
		conn, err := postgres.Connect(ctx, postgres.ConnectionParams{
			Host:     *backupHost,
			Port:     *backupPort,
			User:     *backupUser,
			Database: *backupDbname,
		})
		if err != nil {
			return backup.AsProtocolError(err)
		}

		defer conn.Close(ctx) //nolint:errcheck

		log(ctx).Infof("connected to PostgreSQL server version %v", conn.ServerVersion())

		captureOpts.Conn = conn
	}

	coord := backup.NewCoordinator(ctx, st, backup.CoordinatorOptions{
		Jobs:             session.Jobs,
		Retry:            retry.DefaultOptions,
		OperationTimeout: *backupReadTimeout,
		PutOptions:       session.PutOptions(),
	})

	captureOpts.Submit = func(seg *backup.Segment) error {
		return coord.Submit(ctx, seg)
	}

	log(ctx).Infof("starting backup %v of server %v to %v (session %v)",
		session.BackupID, session.ServerName, st.DisplayName(), session.SessionID)

	captureErr := backup.NewCapture(captureOpts).Run(ctx)

	// drain already-submitted segments even when capture aborted: partially
	// uploaded data already cost network transfer.
	outcome := coord.WaitAll(ctx)

	log(ctx).Infof("backup %v finished: %v", session.BackupID, outcome)

	if captureErr != nil {
		return captureErr
	}

	switch {
	case outcome.Status() == backup.StatusSuccess:
		fmt.Printf("Backup %v completed: %v\n", session.BackupID, outcome)

		return nil
	case outcome.AllFailed():
		return &backup.ConnectivityError{Err: &backupFailedError{outcome: outcome}}
	default:
		return &backupFailedError{outcome: outcome}
	}
}

func openStorage(ctx context.Context) (blob.Storage, error) {
	st, err := blob.NewStorage(ctx, *backupDestinationURL, *backupCloudProvider)
	if err != nil {
		if blob.IsUnsupportedDestination(err) {
			return nil, usageErrorf("%v", err)
		}

		return nil, &backup.ConnectivityError{Err: err}
	}

	return st, nil
}
