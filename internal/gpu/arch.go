package gpu

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultArch is used when no architecture is configured.
const DefaultArch = "sm_75"

// Arch is a compute architecture identifier such as sm_86 or compute_80.
//
// A real architecture (sm_XY) names binary device code: it runs on devices of
// the same major version and an equal or higher minor version. An
// architecture-specific one (sm_90a) runs only on exactly that version. A
// virtual architecture (compute_XY) names intermediate code the driver can
// compile for any device at or above XY.
type Arch struct {
	Name     string
	Major    int
	Minor    int
	Virtual  bool
	Specific bool
}

// ParseArch parses sm_XY, sm_XYa and compute_XY.
func ParseArch(s string) (Arch, error) {
	a := Arch{Name: s}
	var digits string
	switch {
	case strings.HasPrefix(s, "sm_"):
		digits = strings.TrimPrefix(s, "sm_")
	case strings.HasPrefix(s, "compute_"):
		digits = strings.TrimPrefix(s, "compute_")
		a.Virtual = true
	default:
		return Arch{}, fmt.Errorf("%w: architecture %q must look like sm_86 or compute_80", ErrInvalidArgument, s)
	}
	if strings.HasSuffix(digits, "a") {
		digits = strings.TrimSuffix(digits, "a")
		a.Specific = true
	}
	if len(digits) < 2 {
		return Arch{}, fmt.Errorf("%w: architecture %q", ErrInvalidArgument, s)
	}
	major, err := strconv.Atoi(digits[:len(digits)-1])
	if err != nil {
		return Arch{}, fmt.Errorf("%w: architecture %q: %v", ErrInvalidArgument, s, err)
	}
	minor, err := strconv.Atoi(digits[len(digits)-1:])
	if err != nil {
		return Arch{}, fmt.Errorf("%w: architecture %q: %v", ErrInvalidArgument, s, err)
	}
	a.Major, a.Minor = major, minor
	return a, nil
}

// Supports reports whether code built for a can run on a device with compute
// capability major.minor.
func (a Arch) Supports(major, minor int) bool {
	switch {
	case a.Specific:
		return major == a.Major && minor == a.Minor
	case a.Virtual:
		return major > a.Major || (major == a.Major && minor >= a.Minor)
	default:
		return major == a.Major && minor >= a.Minor
	}
}

// Capability returns the compute capability as "X.Y".
func (a Arch) Capability() string {
	return fmt.Sprintf("%d.%d", a.Major, a.Minor)
}

func (a Arch) String() string {
	return a.Name
}
