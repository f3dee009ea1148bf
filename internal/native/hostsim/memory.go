package hostsim

import (
	"unsafe"

	"github.com/fxnlabs/cuwrap/internal/native"
)

const allocAlign = 256

func (l *Library) registerRuntime() {
	l.procs[native.SymSetDevice] = l.setDevice
	l.procs[native.SymMalloc] = l.malloc
	l.procs[native.SymFree] = l.free
	l.procs[native.SymMemcpyH2D] = l.memcpyH2D
	l.procs[native.SymMemcpyD2H] = l.memcpyD2H
	l.procs[native.SymMemcpyD2D] = l.memcpyD2D
	l.procs[native.SymMemset] = l.memset
	l.procs[native.SymStreamCreate] = l.streamCreate
	l.procs[native.SymStreamDestroy] = l.streamDestroy
	l.procs[native.SymStreamSync] = l.streamSync
	l.procs[native.SymDeviceCount] = l.deviceCount
	if !l.opts.NoProps {
		l.procs[native.SymDeviceProps] = l.deviceProps
		l.procs[native.SymMemInfo] = l.memInfo
	}
	if l.opts.ModuleArch != "" {
		l.procs[native.SymModuleArch] = l.moduleArch
	}
}

func (l *Library) setDevice(args []native.Arg) native.Status {
	if len(args) < 1 {
		return native.StatusInvalidValue
	}
	idx := int(args[0].Word)
	if idx < 0 || idx >= l.opts.Devices {
		return native.StatusInvalidDevice
	}
	l.mu.Lock()
	l.device = idx
	l.mu.Unlock()
	return native.StatusSuccess
}

func (l *Library) malloc(args []native.Arg) native.Status {
	if len(args) < 2 || args[0].Host == nil {
		return native.StatusInvalidValue
	}
	n := uint64(args[1].Word)
	if n == 0 {
		return native.StatusInvalidValue
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used+n > l.opts.Capacity {
		return native.StatusMemoryAllocation
	}
	ptr := l.nextPtr
	l.nextPtr += native.DevicePtr((n + allocAlign - 1) / allocAlign * allocAlign)
	l.mem[ptr] = make([]byte, n)
	l.used += n
	*(*native.DevicePtr)(args[0].Host) = ptr
	return native.StatusSuccess
}

// free implicitly synchronizes the device before releasing memory.
func (l *Library) free(args []native.Arg) native.Status {
	if len(args) < 1 {
		return native.StatusInvalidValue
	}
	ptr := native.DevicePtr(args[0].Word)
	if ptr == 0 {
		return native.StatusSuccess
	}
	l.mu.Lock()
	_, ok := l.mem[ptr]
	l.mu.Unlock()
	if !ok {
		return native.StatusInvalidValue
	}
	l.syncAll()
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.mem[ptr]
	if !ok {
		return native.StatusInvalidValue
	}
	delete(l.mem, ptr)
	l.used -= uint64(len(buf))
	return native.StatusSuccess
}

// region returns the allocation starting at ptr if it holds at least n bytes.
func (l *Library) region(ptr native.DevicePtr, n uint64) ([]byte, native.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.mem[ptr]
	if !ok {
		return nil, native.StatusInvalidValue
	}
	if n > uint64(len(buf)) {
		return nil, native.StatusInvalidValue
	}
	return buf[:n], native.StatusSuccess
}

func hostBytes(a native.Arg, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(a.Host), n)
}

func (l *Library) memcpyH2D(args []native.Arg) native.Status {
	if len(args) < 4 || args[1].Host == nil {
		return native.StatusInvalidValue
	}
	n := uint64(args[2].Word)
	dst, st := l.region(native.DevicePtr(args[0].Word), n)
	if !st.OK() {
		return st
	}
	s, st := l.stream(native.Stream(args[3].Word))
	if !st.OK() {
		return st
	}
	src := hostBytes(args[1], n)
	return s.enqueue(func() native.Status {
		copy(dst, src)
		return native.StatusSuccess
	})
}

func (l *Library) memcpyD2H(args []native.Arg) native.Status {
	if len(args) < 4 || args[0].Host == nil {
		return native.StatusInvalidValue
	}
	n := uint64(args[2].Word)
	src, st := l.region(native.DevicePtr(args[1].Word), n)
	if !st.OK() {
		return st
	}
	s, st := l.stream(native.Stream(args[3].Word))
	if !st.OK() {
		return st
	}
	dst := hostBytes(args[0], n)
	return s.enqueue(func() native.Status {
		copy(dst, src)
		return native.StatusSuccess
	})
}

func (l *Library) memcpyD2D(args []native.Arg) native.Status {
	if len(args) < 4 {
		return native.StatusInvalidValue
	}
	n := uint64(args[2].Word)
	dst, st := l.region(native.DevicePtr(args[0].Word), n)
	if !st.OK() {
		return st
	}
	src, st := l.region(native.DevicePtr(args[1].Word), n)
	if !st.OK() {
		return st
	}
	s, st := l.stream(native.Stream(args[3].Word))
	if !st.OK() {
		return st
	}
	return s.enqueue(func() native.Status {
		copy(dst, src)
		return native.StatusSuccess
	})
}

func (l *Library) memset(args []native.Arg) native.Status {
	if len(args) < 4 {
		return native.StatusInvalidValue
	}
	n := uint64(args[2].Word)
	dst, st := l.region(native.DevicePtr(args[0].Word), n)
	if !st.OK() {
		return st
	}
	s, st := l.stream(native.Stream(args[3].Word))
	if !st.OK() {
		return st
	}
	value := byte(args[1].Word)
	return s.enqueue(func() native.Status {
		for i := range dst {
			dst[i] = value
		}
		return native.StatusSuccess
	})
}

func (l *Library) streamCreate(args []native.Arg) native.Status {
	if len(args) < 1 || args[0].Host == nil {
		return native.StatusInvalidValue
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.nextStr
	l.nextStr++
	l.streams[h] = newStream()
	*(*native.Stream)(args[0].Host) = h
	return native.StatusSuccess
}

func (l *Library) streamDestroy(args []native.Arg) native.Status {
	if len(args) < 1 {
		return native.StatusInvalidValue
	}
	h := native.Stream(args[0].Word)
	if h == 0 {
		return native.StatusInvalidHandle
	}
	l.mu.Lock()
	s, ok := l.streams[h]
	delete(l.streams, h)
	l.mu.Unlock()
	if !ok {
		return native.StatusInvalidHandle
	}
	s.close()
	return native.StatusSuccess
}

func (l *Library) streamSync(args []native.Arg) native.Status {
	if len(args) < 1 {
		return native.StatusInvalidValue
	}
	s, st := l.stream(native.Stream(args[0].Word))
	if !st.OK() {
		return st
	}
	return s.sync()
}

func (l *Library) deviceCount(args []native.Arg) native.Status {
	if len(args) < 1 || args[0].Host == nil {
		return native.StatusInvalidValue
	}
	*(*int32)(args[0].Host) = int32(l.opts.Devices)
	return native.StatusSuccess
}

func (l *Library) deviceProps(args []native.Arg) native.Status {
	if len(args) < 2 || args[1].Host == nil {
		return native.StatusInvalidValue
	}
	idx := int(args[0].Word)
	if idx < 0 || idx >= l.opts.Devices {
		return native.StatusInvalidDevice
	}
	props := (*native.DeviceProps)(args[1].Host)
	*props = native.DeviceProps{}
	copy(props.Name[:len(props.Name)-1], l.opts.Name)
	props.Major = int32(l.opts.Major)
	props.Minor = int32(l.opts.Minor)
	props.MultiProcessors = 1
	props.TotalMemory = l.opts.Capacity
	return native.StatusSuccess
}

func (l *Library) memInfo(args []native.Arg) native.Status {
	if len(args) < 2 || args[0].Host == nil || args[1].Host == nil {
		return native.StatusInvalidValue
	}
	l.mu.Lock()
	free := l.opts.Capacity - l.used
	l.mu.Unlock()
	*(*uint64)(args[0].Host) = free
	*(*uint64)(args[1].Host) = l.opts.Capacity
	return native.StatusSuccess
}

func (l *Library) moduleArch(args []native.Arg) native.Status {
	if len(args) < 2 || args[0].Host == nil {
		return native.StatusInvalidValue
	}
	n := int(args[1].Word)
	if n <= len(l.opts.ModuleArch) {
		return native.StatusInvalidValue
	}
	buf := unsafe.Slice((*byte)(args[0].Host), n)
	copy(buf, l.opts.ModuleArch)
	buf[len(l.opts.ModuleArch)] = 0
	return native.StatusSuccess
}
