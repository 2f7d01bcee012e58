package backup

import "github.com/pkg/errors"

// ProtocolError indicates that the database refused start/stop-backup or the
// connection dropped mid-protocol. Fatal for the session.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "database protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// CaptureError indicates a local filesystem read failure while streaming the
// data directory or a tablespace. A torn read makes the whole backup invalid.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return "capture error: " + e.Err.Error() }
func (e *CaptureError) Unwrap() error { return e.Err }

// ConnectivityError indicates the storage backend is unreachable or rejects
// the current credentials.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return "cloud connectivity error: " + e.Err.Error() }
func (e *ConnectivityError) Unwrap() error { return e.Err }

// AsProtocolError wraps err unless it is nil.
func AsProtocolError(err error) error {
	if err == nil {
		return nil
	}

	return &ProtocolError{Err: err}
}

// AsCaptureError wraps err unless it is nil.
func AsCaptureError(err error) error {
	if err == nil {
		return nil
	}

	return &CaptureError{Err: err}
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError

	return errors.As(err, &pe)
}

// IsConnectivityError reports whether err is a ConnectivityError.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError

	return errors.As(err, &ce)
}
