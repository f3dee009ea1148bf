package native

import (
	"fmt"
	"unsafe"
)

// Runtime shim symbols every backend module must export.
const (
	SymSetDevice     = "cw_set_device"
	SymMalloc        = "cw_malloc"
	SymFree          = "cw_free"
	SymMemcpyH2D     = "cw_memcpy_h2d_async"
	SymMemcpyD2H     = "cw_memcpy_d2h_async"
	SymMemcpyD2D     = "cw_memcpy_d2d_async"
	SymMemset        = "cw_memset_async"
	SymStreamCreate  = "cw_stream_create"
	SymStreamDestroy = "cw_stream_destroy"
	SymStreamSync    = "cw_stream_sync"
)

// Optional self-describing exports.
const (
	SymDeviceProps = "cw_device_props"
	SymMemInfo     = "cw_mem_info"
	SymModuleArch  = "cw_module_arch"
	SymDeviceCount = "cw_device_count"
)

// RequiredSymbols lists the runtime shims BindRuntime insists on.
var RequiredSymbols = []string{
	SymSetDevice, SymMalloc, SymFree,
	SymMemcpyH2D, SymMemcpyD2H, SymMemcpyD2D, SymMemset,
	SymStreamCreate, SymStreamDestroy, SymStreamSync,
}

// Runtime is the typed view over a module's runtime shims.
type Runtime struct {
	lib Library

	setDevice     Proc
	malloc        Proc
	free          Proc
	h2d           Proc
	d2h           Proc
	d2d           Proc
	memset        Proc
	streamCreate  Proc
	streamDestroy Proc
	streamSync    Proc

	// optional, nil when the module does not export them
	deviceProps Proc
	memInfo     Proc
	moduleArch  Proc
	deviceCount Proc
}

// BindRuntime resolves the runtime shims of lib. A module missing any required
// shim is rejected.
func BindRuntime(lib Library) (*Runtime, error) {
	r := &Runtime{lib: lib}
	required := map[string]*Proc{
		SymSetDevice:     &r.setDevice,
		SymMalloc:        &r.malloc,
		SymFree:          &r.free,
		SymMemcpyH2D:     &r.h2d,
		SymMemcpyD2H:     &r.d2h,
		SymMemcpyD2D:     &r.d2d,
		SymMemset:        &r.memset,
		SymStreamCreate:  &r.streamCreate,
		SymStreamDestroy: &r.streamDestroy,
		SymStreamSync:    &r.streamSync,
	}
	for _, sym := range RequiredSymbols {
		p, err := lib.Lookup(sym)
		if err != nil {
			return nil, fmt.Errorf("module %s is missing runtime shim %s: %w", lib.Path(), sym, err)
		}
		*required[sym] = p
	}

	optional := map[string]*Proc{
		SymDeviceProps: &r.deviceProps,
		SymMemInfo:     &r.memInfo,
		SymModuleArch:  &r.moduleArch,
		SymDeviceCount: &r.deviceCount,
	}
	for sym, dst := range optional {
		if p, err := lib.Lookup(sym); err == nil {
			*dst = p
		}
	}
	return r, nil
}

// Library returns the module the runtime was bound from.
func (r *Runtime) Library() Library {
	return r.lib
}

func (r *Runtime) SetDevice(index int) Status {
	return r.setDevice.Call(Value(uintptr(index)))
}

func (r *Runtime) Malloc(n uint64) (DevicePtr, Status) {
	var out DevicePtr
	st := r.malloc.Call(Pointer(unsafe.Pointer(&out)), Value(uintptr(n)))
	return out, st
}

func (r *Runtime) Free(p DevicePtr) Status {
	return r.free.Call(Value(uintptr(p)))
}

// MemcpyH2DAsync enqueues a host to device copy. src must stay valid and
// unmoved until the stream is synchronized.
func (r *Runtime) MemcpyH2DAsync(dst DevicePtr, src unsafe.Pointer, n uint64, s Stream) Status {
	return r.h2d.Call(Value(uintptr(dst)), Pointer(src), Value(uintptr(n)), Value(uintptr(s)))
}

// MemcpyD2HAsync enqueues a device to host copy. dst must stay valid and
// unmoved until the stream is synchronized.
func (r *Runtime) MemcpyD2HAsync(dst unsafe.Pointer, src DevicePtr, n uint64, s Stream) Status {
	return r.d2h.Call(Pointer(dst), Value(uintptr(src)), Value(uintptr(n)), Value(uintptr(s)))
}

func (r *Runtime) MemcpyD2DAsync(dst, src DevicePtr, n uint64, s Stream) Status {
	return r.d2d.Call(Value(uintptr(dst)), Value(uintptr(src)), Value(uintptr(n)), Value(uintptr(s)))
}

func (r *Runtime) MemsetAsync(dst DevicePtr, value byte, n uint64, s Stream) Status {
	return r.memset.Call(Value(uintptr(dst)), Value(uintptr(value)), Value(uintptr(n)), Value(uintptr(s)))
}

func (r *Runtime) StreamCreate() (Stream, Status) {
	var out Stream
	st := r.streamCreate.Call(Pointer(unsafe.Pointer(&out)))
	return out, st
}

func (r *Runtime) StreamDestroy(s Stream) Status {
	return r.streamDestroy.Call(Value(uintptr(s)))
}

// StreamSync blocks until all work enqueued on s has completed and returns the
// first error raised by that work, if any.
func (r *Runtime) StreamSync(s Stream) Status {
	return r.streamSync.Call(Value(uintptr(s)))
}

// HasDeviceProps reports whether the module can describe the device it runs on.
func (r *Runtime) HasDeviceProps() bool {
	return r.deviceProps != nil
}

// DeviceProps queries the properties of device index. ok is false when the
// module does not export cw_device_props.
func (r *Runtime) DeviceProps(index int) (props DeviceProps, ok bool, st Status) {
	if r.deviceProps == nil {
		return props, false, StatusSuccess
	}
	st = r.deviceProps.Call(Value(uintptr(index)), Pointer(unsafe.Pointer(&props)))
	return props, true, st
}

// MemInfo returns free and total device memory in bytes.
func (r *Runtime) MemInfo() (free, total uint64, ok bool, st Status) {
	if r.memInfo == nil {
		return 0, 0, false, StatusSuccess
	}
	st = r.memInfo.Call(Pointer(unsafe.Pointer(&free)), Pointer(unsafe.Pointer(&total)))
	return free, total, true, st
}

// ModuleArch returns the compute architecture the module was compiled for.
func (r *Runtime) ModuleArch() (arch string, ok bool, st Status) {
	if r.moduleArch == nil {
		return "", false, StatusSuccess
	}
	var buf [64]byte
	st = r.moduleArch.Call(Pointer(unsafe.Pointer(&buf[0])), Value(uintptr(len(buf))))
	return cString(buf[:]), true, st
}

// DeviceCount returns the number of visible devices.
func (r *Runtime) DeviceCount() (n int, ok bool, st Status) {
	if r.deviceCount == nil {
		return 0, false, StatusSuccess
	}
	var out int32
	st = r.deviceCount.Call(Pointer(unsafe.Pointer(&out)))
	return int(out), true, st
}
