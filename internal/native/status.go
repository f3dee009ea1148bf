package native

import "fmt"

// Status is the int32 code returned by every native entry point. The numbering
// follows the CUDA runtime so codes from a real backend read naturally.
type Status int32

const (
	StatusSuccess           Status = 0
	StatusInvalidValue      Status = 1
	StatusMemoryAllocation  Status = 2
	StatusInitialization    Status = 3
	StatusUnloading         Status = 4
	StatusInvalidDeviceFunc Status = 98
	StatusNoDevice          Status = 100
	StatusInvalidDevice     Status = 101
	StatusNoKernelImage     Status = 209
	StatusInvalidHandle     Status = 400
	StatusNotReady          Status = 600
	StatusIllegalAddress    Status = 700
	StatusLaunchFailure     Status = 719
	StatusNotSupported      Status = 801
	StatusUnknown           Status = 999
)

var statusNames = map[Status]string{
	StatusSuccess:           "success",
	StatusInvalidValue:      "invalid value",
	StatusMemoryAllocation:  "memory allocation failed",
	StatusInitialization:    "initialization error",
	StatusUnloading:         "runtime unloading",
	StatusInvalidDeviceFunc: "invalid device function",
	StatusNoDevice:          "no device",
	StatusInvalidDevice:     "invalid device ordinal",
	StatusNoKernelImage:     "no kernel image for device",
	StatusInvalidHandle:     "invalid handle",
	StatusNotReady:          "not ready",
	StatusIllegalAddress:    "illegal address",
	StatusLaunchFailure:     "launch failure",
	StatusNotSupported:      "operation not supported",
	StatusUnknown:           "unknown error",
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// ArchitectureFault reports whether s is one of the codes a backend returns
// when its device code was compiled for a different compute architecture.
func (s Status) ArchitectureFault() bool {
	return s == StatusNoKernelImage || s == StatusInvalidDeviceFunc
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (%d)", name, int32(s))
	}
	return fmt.Sprintf("status %d", int32(s))
}
