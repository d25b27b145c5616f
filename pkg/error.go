package pkg

import (
	"errors"
	"syscall"
)

// Device access and policy errors.
var (
	// ErrDeviceNotFound indicates the device is not (or no longer) present.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAccessDenied indicates the host refused access to the device node.
	ErrAccessDenied = errors.New("access denied")

	// ErrTransfer indicates an I/O failure on a control, bulk or interrupt
	// transfer.
	ErrTransfer = errors.New("transfer error")

	// ErrTimeout indicates a transfer or confirmation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrCertificateInvalid indicates a certificate outside its validity
	// window or with a bad signature.
	ErrCertificateInvalid = errors.New("certificate invalid")

	// ErrPolicyViolation indicates a malformed or hostile descriptor tree.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrUnauthorizedAccess indicates a rule denied the device.
	ErrUnauthorizedAccess = errors.New("unauthorized access")

	// ErrConfiguration indicates a malformed policy or configuration file.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackendUnavailable indicates the native backend failed to
	// initialize or enumerate. No devices are tracked until it recovers.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrAlreadyRunning indicates a component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates a component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// MapErrno maps a backend errno to the error taxonomy. Errors that are not
// errno values are returned unchanged.
func MapErrno(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case syscall.ENODEV, syscall.ENOENT, syscall.ESHUTDOWN:
		return errors.Join(ErrDeviceNotFound, err)
	case syscall.EACCES, syscall.EPERM:
		return errors.Join(ErrAccessDenied, err)
	case syscall.ETIMEDOUT:
		return errors.Join(ErrTimeout, err)
	case syscall.ENOTTY, syscall.EOPNOTSUPP, syscall.ENOSYS:
		return errors.Join(ErrNotSupported, err)
	default:
		return errors.Join(ErrTransfer, err)
	}
}

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusNoDevice                        // Device disappeared mid-transfer
	TransferStatusOverflow                        // Device sent more data than requested
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusNoDevice:
		return "no-device"
	case TransferStatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Failed reports whether the status is anything but success.
func (s TransferStatus) Failed() bool { return s != TransferStatusSuccess }

// Err returns the corresponding error for the transfer status.
func (s TransferStatus) Err() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusNoDevice:
		return ErrDeviceNotFound
	default:
		return ErrTransfer
	}
}

// StatusOf classifies an error returned by a transfer.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrDeviceNotFound):
		return TransferStatusNoDevice
	case errors.Is(err, syscall.EPIPE):
		return TransferStatusStall
	case errors.Is(err, syscall.EOVERFLOW):
		return TransferStatusOverflow
	default:
		return TransferStatusError
	}
}
