package backup

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/clock"
)

// Default sizing constants.
const (
	// DefaultMaxArchiveSize bounds the compressed size of one segment.
	DefaultMaxArchiveSize = int64(100) << 30

	// DefaultJobs is the default upload worker count.
	DefaultJobs = 2
)

// Session describes one backup attempt. It owns all segments produced during
// the attempt and is discarded after the terminal report is emitted; durable
// catalog bookkeeping belongs to external tooling.
type Session struct {
	ServerName string

	// BackupName is the optional user-supplied name recorded in the backup
	// label.
	BackupName string

	// BackupID identifies this attempt in object keys.
	BackupID string

	// SessionID is a unique token for correlating log output.
	SessionID string

	StartedAt time.Time

	ImmediateCheckpoint bool

	Compression    CompressionMode
	MaxArchiveSize int64
	Jobs           int

	Tags       map[string]string
	Encryption blob.EncryptionOptions

	// SpoolDir is the directory for temporary segment spool files. Empty
	// means the system default.
	SpoolDir string
}

// NewSession creates a session with a timestamp-derived backup ID, matching
// the key layout restore tooling expects.
func NewSession(serverName string) *Session {
	now := clock.Now()

	return &Session{
		ServerName:     serverName,
		BackupID:       now.UTC().Format("20060102T150405"),
		SessionID:      uuid.NewString(),
		StartedAt:      now,
		Compression:    CompressionNone,
		MaxArchiveSize: DefaultMaxArchiveSize,
		Jobs:           DefaultJobs,
	}
}

// Label returns the backup label passed to start-backup.
func (s *Session) Label() string {
	if s.BackupName != "" {
		return "cloudpg backup " + s.BackupName
	}

	return "cloudpg backup " + s.BackupID
}

// PutOptions returns the upload options applied to every object of the
// session.
func (s *Session) PutOptions() blob.PutOptions {
	return blob.PutOptions{
		Tags:        s.Tags,
		Encryption:  s.Encryption,
		ContentType: "application/octet-stream",
	}
}
