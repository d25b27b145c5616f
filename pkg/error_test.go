package pkg

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusNoDevice, "no-device"},
		{TransferStatusOverflow, "overflow"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Err(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferStatusSuccess, nil},
		{TransferStatusTimeout, ErrTimeout},
		{TransferStatusNoDevice, ErrDeviceNotFound},
		{TransferStatusStall, ErrTransfer},
		{TransferStatusError, ErrTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Err()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMapErrno(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nodev", syscall.ENODEV, ErrDeviceNotFound},
		{"wrapped noent", fmt.Errorf("open: %w", syscall.ENOENT), ErrDeviceNotFound},
		{"eacces", syscall.EACCES, ErrAccessDenied},
		{"eperm", syscall.EPERM, ErrAccessDenied},
		{"timeout", syscall.ETIMEDOUT, ErrTimeout},
		{"pipe", syscall.EPIPE, ErrTransfer},
		{"enotty", syscall.ENOTTY, ErrNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapErrno(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.in)
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, MapErrno(plain))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, TransferStatusSuccess, StatusOf(nil))
	assert.Equal(t, TransferStatusTimeout, StatusOf(MapErrno(syscall.ETIMEDOUT)))
	assert.Equal(t, TransferStatusNoDevice, StatusOf(MapErrno(syscall.ENODEV)))
	assert.Equal(t, TransferStatusStall, StatusOf(MapErrno(syscall.EPIPE)))
	assert.Equal(t, TransferStatusError, StatusOf(errors.New("boom")))
	assert.True(t, TransferStatusStall.Failed())
	assert.False(t, TransferStatusSuccess.Failed())
}
