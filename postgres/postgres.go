// Package postgres drives the PostgreSQL base-backup protocol over a single
// connection owned by the capture driver.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/logging"
)

var log = logging.Module("postgres")

// version_num at which pg_start_backup/pg_stop_backup were renamed.
const backupAPIRenameVersion = 150000

// ConnectionParams identify the server to back up. Empty fields fall back to
// libpq defaults and environment variables (PGHOST, PGPORT, PGUSER, ...).
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Database string
}

func (p ConnectionParams) dsn() string {
	var parts []string

	if p.Host != "" {
		parts = append(parts, "host="+p.Host)
	}

	if p.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", p.Port))
	}

	if p.User != "" {
		parts = append(parts, "user="+p.User)
	}

	if p.Database != "" {
		parts = append(parts, "dbname="+p.Database)
	}

	parts = append(parts, "application_name=cloudpg")

	return strings.Join(parts, " ")
}

// Tablespace describes one user-defined tablespace discovered at
// start-backup time.
type Tablespace struct {
	OID      uint32
	Name     string
	Location string
}

// StartBackupResult is the server acknowledgment of start-backup.
type StartBackupResult struct {
	LSN string
}

// StopBackupResult carries the backup label (and tablespace map, when any
// tablespaces exist) that must be stored with the archives.
type StopBackupResult struct {
	LSN        string
	LabelFile  []byte
	SpcMapFile []byte
}

// Conn is a single backup-protocol connection. Start and stop-backup must be
// issued on the same session, so Conn is never shared across goroutines.
type Conn struct {
	conn    *pgx.Conn
	version int
}

// Connect opens a connection with the given parameters.
func Connect(ctx context.Context, params ConnectionParams) (*Conn, error) {
	cfg, err := pgx.ParseConfig(params.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "invalid connection parameters")
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to database")
	}

	var versionStr string
	if err := conn.QueryRow(ctx, "SHOW server_version_num").Scan(&versionStr); err != nil {
		_ = conn.Close(ctx)

		return nil, errors.Wrap(err, "unable to determine server version")
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = conn.Close(ctx)

		return nil, errors.Wrapf(err, "unexpected server_version_num %q", versionStr)
	}

	log(ctx).Debugf("connected to server version %v", version)

	return &Conn{conn: conn, version: version}, nil
}

// ServerVersion returns the numeric server version (e.g. 160002).
func (c *Conn) ServerVersion() int {
	return c.version
}

// DataDirectory returns the server's data directory path.
func (c *Conn) DataDirectory(ctx context.Context) (string, error) {
	var dir string
	if err := c.conn.QueryRow(ctx, "SHOW data_directory").Scan(&dir); err != nil {
		return "", errors.Wrap(err, "unable to determine data directory")
	}

	return dir, nil
}

// Tablespaces enumerates user-defined tablespaces.
func (c *Conn) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT oid, spcname, pg_tablespace_location(oid)
		   FROM pg_tablespace
		  WHERE spcname NOT IN ('pg_default', 'pg_global')
		  ORDER BY oid`)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list tablespaces")
	}

	defer rows.Close()

	var result []Tablespace

	for rows.Next() {
		var ts Tablespace
		if err := rows.Scan(&ts.OID, &ts.Name, &ts.Location); err != nil {
			return nil, errors.Wrap(err, "scanning tablespace row")
		}

		result = append(result, ts)
	}

	return result, errors.Wrap(rows.Err(), "listing tablespaces")
}

// StartBackup puts the server into backup mode using a non-exclusive backup.
func (c *Conn) StartBackup(ctx context.Context, label string, immediateCheckpoint bool) (StartBackupResult, error) {
	var (
		lsn string
		err error
	)

	if c.version >= backupAPIRenameVersion {
		err = c.conn.QueryRow(ctx, "SELECT pg_backup_start($1, $2)::text", label, immediateCheckpoint).Scan(&lsn)
	} else {
		err = c.conn.QueryRow(ctx, "SELECT pg_start_backup($1, $2, false)::text", label, immediateCheckpoint).Scan(&lsn)
	}

	if err != nil {
		return StartBackupResult{}, errors.Wrap(err, "start backup refused")
	}

	log(ctx).Infof("backup started at LSN %v", lsn)

	return StartBackupResult{LSN: lsn}, nil
}

// StopBackup takes the server out of backup mode and retrieves the backup
// label contents.
func (c *Conn) StopBackup(ctx context.Context) (StopBackupResult, error) {
	var (
		res        StopBackupResult
		labelFile  string
		spcMapFile string
		err        error
	)

	if c.version >= backupAPIRenameVersion {
		err = c.conn.QueryRow(ctx,
			"SELECT lsn::text, labelfile, spcmapfile FROM pg_backup_stop(wait_for_archive => false)").
			Scan(&res.LSN, &labelFile, &spcMapFile)
	} else {
		err = c.conn.QueryRow(ctx,
			"SELECT lsn::text, labelfile, spcmapfile FROM pg_stop_backup(false, false)").
			Scan(&res.LSN, &labelFile, &spcMapFile)
	}

	if err != nil {
		return StopBackupResult{}, errors.Wrap(err, "stop backup failed")
	}

	res.LabelFile = []byte(labelFile)
	if spcMapFile != "" {
		res.SpcMapFile = []byte(spcMapFile)
	}

	log(ctx).Infof("backup stopped at LSN %v", res.LSN)

	return res, nil
}

// Close terminates the connection.
func (c *Conn) Close(ctx context.Context) error {
	return errors.Wrap(c.conn.Close(ctx), "closing connection")
}
