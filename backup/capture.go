package backup

import (
	"context"
	"strconv"

	"github.com/cloudpg/cloudpg/postgres"
)

// State is the capture driver's lifecycle state.
type State int

// Capture driver states.
const (
	StateIdle State = iota
	StateBackupStarting
	StateCapturing
	StateBackupStopping
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackupStarting:
		return "backup-starting"
	case StateCapturing:
		return "capturing"
	case StateBackupStopping:
		return "backup-stopping"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Conn is the database capability the capture driver needs. It is owned
// exclusively by the driver and never shared with upload workers.
type Conn interface {
	StartBackup(ctx context.Context, label string, immediateCheckpoint bool) (postgres.StartBackupResult, error)
	StopBackup(ctx context.Context) (postgres.StopBackupResult, error)
	Tablespaces(ctx context.Context) ([]postgres.Tablespace, error)
	DataDirectory(ctx context.Context) (string, error)
}

// CaptureOptions configure a capture run.
type CaptureOptions struct {
	Session *Session

	// Conn drives the database protocol. When nil, DataDir names a
	// pre-captured backup directory to archive without any protocol
	// interaction (hook mode).
	Conn    Conn
	DataDir string

	// Submit receives closed segments; it blocks when the upload queue is
	// full, bounding how far capture runs ahead of upload.
	Submit EmitFunc
}

// Capture streams the data directory and each tablespace through the
// segmenter, driving the database start/stop-backup protocol around it.
type Capture struct {
	CaptureOptions

	state      State
	stopIssued bool
}

// NewCapture creates a capture driver in the idle state.
func NewCapture(opt CaptureOptions) *Capture {
	return &Capture{CaptureOptions: opt}
}

// State returns the current driver state.
func (c *Capture) State() State {
	return c.state
}

// stopBackup issues stop-backup at most once per session, so an aborted
// capture never leaves the server in backup mode.
func (c *Capture) stopBackup(ctx context.Context) (postgres.StopBackupResult, error) {
	if c.stopIssued {
		return postgres.StopBackupResult{}, nil
	}

	c.stopIssued = true

	return c.Conn.StopBackup(ctx)
}

func (c *Capture) abort(ctx context.Context, err error) error {
	c.state = StateAborted

	if c.Conn != nil {
		// best-effort: the original error is what gets surfaced.
		if _, stopErr := c.stopBackup(ctx); stopErr != nil {
			log(ctx).Warnf("unable to stop backup while aborting: %v", stopErr)
		}
	}

	return err
}

// Run executes the capture. Segments are submitted as they close; Run
// returns once the final pseudo-segments are submitted (or the session
// aborted), independently of upload outcomes.
func (c *Capture) Run(ctx context.Context) error {
	if c.Conn == nil {
		return c.runFromDirectory(ctx)
	}

	s := c.Session

	c.state = StateBackupStarting

	if _, err := c.Conn.StartBackup(ctx, s.Label(), s.ImmediateCheckpoint); err != nil {
		c.state = StateAborted

		return AsProtocolError(err)
	}

	c.state = StateCapturing

	dataDir, err := c.Conn.DataDirectory(ctx)
	if err != nil {
		return c.abort(ctx, AsProtocolError(err))
	}

	tablespaces, err := c.Conn.Tablespaces(ctx)
	if err != nil {
		return c.abort(ctx, AsProtocolError(err))
	}

	log(ctx).Infof("capturing data directory %v and %v tablespace(s)", dataDir, len(tablespaces))

	if err := c.captureTree(ctx, DataTablespace, dataDir, true); err != nil {
		return c.abort(ctx, AsCaptureError(err))
	}

	for _, ts := range tablespaces {
		name := strconv.FormatUint(uint64(ts.OID), 10)

		if err := c.captureTree(ctx, name, ts.Location, false); err != nil {
			return c.abort(ctx, AsCaptureError(err))
		}
	}

	c.state = StateBackupStopping

	stop, err := c.stopBackup(ctx)
	if err != nil {
		c.state = StateAborted

		return AsProtocolError(err)
	}

	if err := c.submitLabelSegments(stop); err != nil {
		return c.abort(ctx, err)
	}

	c.state = StateDone

	return nil
}

// runFromDirectory archives a directory prepared by an external backup
// manager, with no database protocol involved.
func (c *Capture) runFromDirectory(ctx context.Context) error {
	c.state = StateCapturing

	if err := c.captureTree(ctx, DataTablespace, c.DataDir, false); err != nil {
		c.state = StateAborted

		return AsCaptureError(err)
	}

	c.state = StateDone

	return nil
}

func (c *Capture) captureTree(ctx context.Context, tablespace, root string, isDataDir bool) error {
	seg := NewSegmenter(c.Session, tablespace, c.Submit)

	if err := archiveDirectory(ctx, seg, root, isDataDir); err != nil {
		return err
	}

	return seg.Close()
}

// submitLabelSegments stores the backup label (and tablespace map, when
// present) returned by stop-backup as final pseudo-segments.
func (c *Capture) submitLabelSegments(stop postgres.StopBackupResult) error {
	s := c.Session

	label := newInlineSegment(labelKey(s.ServerName, s.BackupID), DataTablespace, stop.LabelFile)
	if err := c.Submit(label); err != nil {
		return err
	}

	if len(stop.SpcMapFile) > 0 {
		m := newInlineSegment(tablespaceMapKey(s.ServerName, s.BackupID), DataTablespace, stop.SpcMapFile)
		if err := c.Submit(m); err != nil {
			return err
		}
	}

	return nil
}
