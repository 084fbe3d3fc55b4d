package downloader

import (
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *TransferError
		want string
	}{
		{
			name: "whole file with status",
			err:  &TransferError{URL: "http://x/a.mp3", StatusCode: 503, Err: errors.New("503 Service Unavailable")},
			want: "transfer of whole file failed (HTTP 503): 503 Service Unavailable",
		},
		{
			name: "range without status",
			err:  &TransferError{URL: "http://x/a.mp3", Range: &ByteRange{Start: 0, End: 9}, Err: io.ErrUnexpectedEOF},
			want: "transfer of range 0-9 failed: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		inner error
	}{
		{name: "transfer", err: &TransferError{Err: ErrRangeNotSupported}, inner: ErrRangeNotSupported},
		{name: "reassembly", err: &ReassemblyError{Path: "/tmp/a", Err: fs.ErrPermission}, inner: fs.ErrPermission},
		{name: "workspace", err: &WorkspaceError{Dir: "/tmp", Err: fs.ErrExist}, inner: fs.ErrExist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := errors.Join(errors.New("context"), tt.err)

			require.ErrorIs(t, wrapped, tt.inner)
			assert.Contains(t, tt.err.Error(), tt.inner.Error())
		})
	}
}

func TestWorkspaceError_As(t *testing.T) {
	var err error = &WorkspaceError{Dir: "/music", Err: fs.ErrPermission}

	var wsErr *WorkspaceError
	require.True(t, errors.As(err, &wsErr))
	assert.Equal(t, "/music", wsErr.Dir)
	assert.Equal(t, "workspace /music unavailable: permission denied", err.Error())
}
