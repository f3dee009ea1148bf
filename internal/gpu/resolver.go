package gpu

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
)

// EnvLibraryPath lists extra directories searched for backend modules, in
// the platform's path-list format.
const EnvLibraryPath = "CUWRAP_LIBRARY_PATH"

// Resolver locates the backend module for a platform and architecture.
//
// Modules follow one naming convention per platform:
//
//	linux, freebsd:  lib<name>_<arch>.so
//	darwin:          lib<name>_<arch>.dylib
//	windows:         <name>_<arch>.dll
//
// An explicit override path may name the module file itself or a directory
// to search instead of the default search path.
type Resolver struct {
	Name        string
	Arch        Arch
	Override    string
	SearchPaths []string

	// GOOS, Getenv and Executable default to the running process.
	GOOS       string
	Getenv     func(string) string
	Executable func() (string, error)

	Logger *zap.Logger
}

func (r *Resolver) goos() string {
	if r.GOOS != "" {
		return r.GOOS
	}
	return runtime.GOOS
}

// FileName returns the module file name for the platform.
func (r *Resolver) FileName() (string, error) {
	name := r.Name
	if name == "" {
		name = DefaultLibraryName
	}
	switch r.goos() {
	case "linux", "freebsd", "netbsd", "openbsd", "android":
		return fmt.Sprintf("lib%s_%s.so", name, r.Arch.Name), nil
	case "darwin", "ios":
		return fmt.Sprintf("lib%s_%s.dylib", name, r.Arch.Name), nil
	case "windows":
		return fmt.Sprintf("%s_%s.dll", name, r.Arch.Name), nil
	}
	return "", &ResolveError{
		Platform: r.goos(),
		Err:      fmt.Errorf("%w: no module naming convention for %s", ErrLibraryNotFound, r.goos()),
	}
}

// SearchDirs returns the directories searched when no override is set:
// configured paths, then EnvLibraryPath, then the executable's directory and
// its lib subdirectory.
func (r *Resolver) SearchDirs() []string {
	dirs := append([]string(nil), r.SearchPaths...)
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvLibraryPath); v != "" {
		for _, d := range filepath.SplitList(v) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	exe := r.Executable
	if exe == nil {
		exe = os.Executable
	}
	if p, err := exe(); err == nil {
		dir := filepath.Dir(p)
		dirs = append(dirs, dir, filepath.Join(dir, "lib"))
	}
	return dirs
}

// Resolve returns the path of the module to load.
func (r *Resolver) Resolve() (string, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	file, err := r.FileName()
	if err != nil {
		return "", err
	}

	dirs := r.SearchDirs()
	if r.Override != "" {
		info, err := os.Stat(r.Override)
		switch {
		case err != nil:
			return "", &ResolveError{Platform: r.goos(), File: file, Tried: []string{r.Override},
				Err: fmt.Errorf("%w: override %s: %v", ErrLibraryNotFound, r.Override, err)}
		case !info.IsDir():
			log.Debug("Using module override", zap.String("path", r.Override))
			return r.Override, nil
		}
		dirs = []string{r.Override}
	}

	tried := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		candidate := filepath.Join(dir, file)
		tried = append(tried, candidate)
		info, err := os.Stat(candidate)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("Skipping module candidate", zap.String("path", candidate), zap.Error(err))
			}
			continue
		}
		if info.Mode().IsRegular() {
			log.Debug("Resolved module", zap.String("path", candidate))
			return candidate, nil
		}
	}
	return "", &ResolveError{Platform: r.goos(), File: file, Tried: tried, Err: ErrLibraryNotFound}
}
