//go:build windows

package native

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/windows"
)

type dllLibrary struct {
	path string
	dll  *windows.DLL

	mu     sync.Mutex
	closed bool
}

// Open loads the DLL at path.
func Open(path string) (Library, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, fmt.Errorf("LoadDLL %s: %w", path, err)
	}
	return &dllLibrary{path: path, dll: dll}, nil
}

func (l *dllLibrary) Path() string {
	return l.path
}

func (l *dllLibrary) Lookup(symbol string) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLibraryClosed
	}
	proc, err := l.dll.FindProc(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, l.path)
	}
	return dllProc{proc: proc}, nil
}

func (l *dllLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.dll.Release(); err != nil {
		return fmt.Errorf("FreeLibrary %s: %w", l.path, err)
	}
	return nil
}

type dllProc struct {
	proc *windows.Proc
}

func (p dllProc) Call(args ...Arg) Status {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	words := make([]uintptr, len(args))
	for i, a := range args {
		if a.Host != nil {
			pinner.Pin(a.Host)
		}
		words[i] = a.Uintptr()
	}
	r1, _, _ := p.proc.Call(words...)
	runtime.KeepAlive(args)
	return Status(int32(r1))
}
