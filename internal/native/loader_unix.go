//go:build darwin || freebsd || linux

package native

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

// dynLibrary is a module opened with dlopen. No cgo is involved; purego
// provides both the loader and the call trampoline.
type dynLibrary struct {
	path   string
	handle uintptr

	mu     sync.Mutex
	closed bool
}

// Open loads the shared module at path.
func Open(path string) (Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	return &dynLibrary{path: path, handle: handle}, nil
}

func (l *dynLibrary) Path() string {
	return l.path
}

func (l *dynLibrary) Lookup(symbol string) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLibraryClosed
	}
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil || addr == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.path)
	}
	return dynProc{addr: addr}, nil
}

func (l *dynLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("dlclose %s: %w", l.path, err)
	}
	return nil
}

type dynProc struct {
	addr uintptr
}

// Call pins every host argument for the duration of the call so the native
// side can read and write through the raw addresses.
func (p dynProc) Call(args ...Arg) Status {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	words := make([]uintptr, len(args))
	for i, a := range args {
		if a.Host != nil {
			pinner.Pin(a.Host)
		}
		words[i] = a.Uintptr()
	}
	r1, _, _ := purego.SyscallN(p.addr, words...)
	runtime.KeepAlive(args)
	return Status(int32(r1))
}
