package host

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		reason Reason
		want   Class
	}{
		{ReasonUserCanceled, ClassUser},
		{ReasonFileNoSpace, ClassFatal},
		{ReasonFileAccessDenied, ClassFatal},
		{ReasonFileNameTooLong, ClassFatal},
		{ReasonFileTooLarge, ClassFatal},
		{ReasonFileBlocked, ClassFatal},
		{ReasonRejected, ClassInitiation},
		{ReasonNetworkFailed, ClassTransient},
		{ReasonServerFailed, ClassTransient},
		{ReasonCrash, ClassTransient},
		{ReasonVanished, ClassTransient},
		{Reason("SOMETHING_NEW"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.reason))
		})
	}
}

func TestReasonForError(t *testing.T) {
	assert.Equal(t, Reason(""), ReasonForError(nil))
	assert.Equal(t, ReasonFileNoSpace, ReasonForError(fmt.Errorf("write: %w", &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC})))
	assert.Equal(t, ReasonFileAccessDenied, ReasonForError(&os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}))
	assert.Equal(t, ReasonFileNameTooLong, ReasonForError(syscall.ENAMETOOLONG))
	assert.Equal(t, ReasonFileFailed, ReasonForError(&os.PathError{Op: "open", Path: "/x", Err: errors.New("boom")}))
	assert.Equal(t, ReasonNetworkFailed, ReasonForError(errors.New("unexpected EOF")))
}

func TestReasonForStatus(t *testing.T) {
	assert.Equal(t, Reason(""), ReasonForStatus(206))
	assert.Equal(t, ReasonServerUnauthorized, ReasonForStatus(401))
	assert.Equal(t, ReasonServerForbidden, ReasonForStatus(403))
	assert.Equal(t, ReasonServerBadContent, ReasonForStatus(404))
	assert.Equal(t, ReasonServerFailed, ReasonForStatus(503))
}
