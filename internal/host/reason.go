package host

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Reason explains why a transfer was interrupted.
type Reason string

const (
	ReasonNetworkFailed       Reason = "NETWORK_FAILED"
	ReasonNetworkTimeout      Reason = "NETWORK_TIMEOUT"
	ReasonNetworkDisconnected Reason = "NETWORK_DISCONNECTED"
	ReasonServerFailed        Reason = "SERVER_FAILED"
	ReasonServerBadContent    Reason = "SERVER_BAD_CONTENT"
	ReasonServerUnauthorized  Reason = "SERVER_UNAUTHORIZED"
	ReasonServerForbidden     Reason = "SERVER_FORBIDDEN"
	ReasonServerUnreachable   Reason = "SERVER_UNREACHABLE"
	ReasonFileFailed          Reason = "FILE_FAILED"
	ReasonFileNoSpace         Reason = "FILE_NO_SPACE"
	ReasonFileAccessDenied    Reason = "FILE_ACCESS_DENIED"
	ReasonFileNameTooLong     Reason = "FILE_NAME_TOO_LONG"
	ReasonFileTooLarge        Reason = "FILE_TOO_LARGE"
	ReasonFileBlocked         Reason = "FILE_BLOCKED"
	ReasonUserCanceled        Reason = "USER_CANCELED"
	ReasonUserShutdown        Reason = "USER_SHUTDOWN"
	ReasonCrash               Reason = "CRASH"
	ReasonRejected            Reason = "HOST_REJECTED"
	ReasonVanished            Reason = "VANISHED"
)

// Class groups reasons by how the engine reacts to them.
type Class int

const (
	// ClassTransient failures are retried.
	ClassTransient Class = iota
	// ClassInitiation failures end the Job as an initiation error.
	ClassInitiation
	// ClassFatal failures stop every Job of the content.
	ClassFatal
	// ClassUser is an explicit cancellation.
	ClassUser
)

func (c Class) String() string {
	switch c {
	case ClassInitiation:
		return "initiation"
	case ClassFatal:
		return "fatal"
	case ClassUser:
		return "user"
	default:
		return "transient"
	}
}

// Classify maps an interruption reason to its class. Unknown reasons are
// transient.
func Classify(r Reason) Class {
	switch r {
	case ReasonUserCanceled:
		return ClassUser
	case ReasonFileNoSpace, ReasonFileAccessDenied, ReasonFileNameTooLong,
		ReasonFileTooLarge, ReasonFileBlocked:
		return ClassFatal
	case ReasonRejected:
		return ClassInitiation
	default:
		return ClassTransient
	}
}

// ReasonForError maps a local I/O or network error to a Reason.
func ReasonForError(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, syscall.ENOSPC):
		return ReasonFileNoSpace
	case errors.Is(err, syscall.ENAMETOOLONG):
		return ReasonFileNameTooLong
	case errors.Is(err, syscall.EFBIG):
		return ReasonFileTooLarge
	case errors.Is(err, fs.ErrPermission), errors.Is(err, os.ErrPermission):
		return ReasonFileAccessDenied
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonNetworkTimeout
		}
		return ReasonNetworkFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonNetworkDisconnected
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ReasonFileFailed
	}
	return ReasonNetworkFailed
}

// ReasonForStatus maps an HTTP status code to a Reason. Success codes map
// to the empty reason.
func ReasonForStatus(code int) Reason {
	switch {
	case code < 400:
		return ""
	case code == 401:
		return ReasonServerUnauthorized
	case code == 403:
		return ReasonServerForbidden
	case code == 404 || code == 410:
		return ReasonServerBadContent
	case code >= 500:
		return ReasonServerFailed
	default:
		return ReasonServerBadContent
	}
}
