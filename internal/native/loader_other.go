//go:build !darwin && !freebsd && !linux && !windows

package native

import "fmt"

// Open always fails: there is no loader for this platform.
func Open(path string) (Library, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnsupportedPlatform)
}
