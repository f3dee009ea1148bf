package gpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxnlabs/cuwrap/internal/native"
)

// ArgClass is the kind of a native routine argument.
type ArgClass uint8

const (
	ClassDevice ArgClass = iota
	ClassShape
	ClassScalar
	ClassStream
)

func (c ArgClass) String() string {
	switch c {
	case ClassDevice:
		return "device"
	case ClassShape:
		return "shape"
	case ClassScalar:
		return "scalar"
	case ClassStream:
		return "stream"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Access says how a routine uses a device argument.
type Access uint8

const (
	Read      Access = 1
	Write     Access = 2
	ReadWrite Access = Read | Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	}
	return "?"
}

// ArgKind is one entry in a routine's expected argument list.
type ArgKind struct {
	Class ArgClass
	// DType of a device or scalar argument.
	DType DType
	// Access of a device argument.
	Access Access
	// Layout required of a shape argument.
	Layout Layout
	// Of is the index of the device argument a shape describes, or -1.
	Of int
}

func DeviceArg(dt DType, acc Access) ArgKind {
	return ArgKind{Class: ClassDevice, DType: dt, Access: acc, Of: -1}
}

func ScalarArg(dt DType) ArgKind {
	return ArgKind{Class: ClassScalar, DType: dt, Of: -1}
}

func ShapeArg(l Layout, of int) ArgKind {
	return ArgKind{Class: ClassShape, Layout: l, Of: of}
}

func StreamArg() ArgKind {
	return ArgKind{Class: ClassStream, Of: -1}
}

func (k ArgKind) String() string {
	switch k.Class {
	case ClassDevice:
		return fmt.Sprintf("device:%s:%s", k.DType, k.Access)
	case ClassScalar:
		return fmt.Sprintf("scalar:%s", k.DType)
	case ClassShape:
		if k.Of < 0 {
			return fmt.Sprintf("shape:%s", k.Layout)
		}
		return fmt.Sprintf("shape:%s:%d", k.Layout, k.Of)
	}
	return k.Class.String()
}

func (k ArgKind) words() int {
	if k.Class == ClassDevice {
		return 2
	}
	return 1
}

// ParseArgKind parses the textual form used in configuration files:
//
//	device:<dtype>:<r|w|rw>
//	scalar:<dtype>
//	shape:<row|col|any>[:<device arg index>]
//	stream
func ParseArgKind(s string) (ArgKind, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	bad := func(reason string) (ArgKind, error) {
		return ArgKind{}, fmt.Errorf("%w: argument kind %q: %s", ErrInvalidArgument, s, reason)
	}
	switch parts[0] {
	case "device":
		if len(parts) != 3 {
			return bad("want device:<dtype>:<access>")
		}
		dt, err := ParseDType(parts[1])
		if err != nil {
			return ArgKind{}, err
		}
		var acc Access
		switch parts[2] {
		case "r":
			acc = Read
		case "w":
			acc = Write
		case "rw":
			acc = ReadWrite
		default:
			return bad("access must be r, w or rw")
		}
		return DeviceArg(dt, acc), nil
	case "scalar":
		if len(parts) != 2 {
			return bad("want scalar:<dtype>")
		}
		dt, err := ParseDType(parts[1])
		if err != nil {
			return ArgKind{}, err
		}
		return ScalarArg(dt), nil
	case "shape":
		if len(parts) < 2 || len(parts) > 3 {
			return bad("want shape:<layout>[:<index>]")
		}
		l, err := ParseLayout(parts[1])
		if err != nil {
			return ArgKind{}, err
		}
		of := -1
		if len(parts) == 3 {
			if of, err = strconv.Atoi(parts[2]); err != nil || of < 0 {
				return bad("index must be a non-negative integer")
			}
		}
		return ShapeArg(l, of), nil
	case "stream":
		if len(parts) != 1 {
			return bad("stream takes no parameters")
		}
		return StreamArg(), nil
	}
	return bad("unknown class")
}

// Convention is how a routine reports failure.
type Convention uint8

const (
	// ReturnsStatus routines return an int32 status, 0 on success.
	ReturnsStatus Convention = iota
	// ReturnsVoid routines return nothing; their failures only surface at the
	// next synchronization.
	ReturnsVoid
)

// Signature declares a native routine: its logical name, exported symbol and
// argument list, stream last.
type Signature struct {
	Name    string
	Symbol  string
	Args    []ArgKind
	Returns Convention
}

// ParseSignature builds a signature from textual argument kinds.
func ParseSignature(name, symbol string, args []string, void bool) (Signature, error) {
	sig := Signature{Name: name, Symbol: symbol}
	if void {
		sig.Returns = ReturnsVoid
	}
	for _, a := range args {
		k, err := ParseArgKind(a)
		if err != nil {
			return Signature{}, fmt.Errorf("routine %s: %w", name, err)
		}
		sig.Args = append(sig.Args, k)
	}
	return sig, sig.Validate()
}

// Validate checks that the argument list follows the native ABI: device
// pointers, then shapes, then scalars, then exactly one trailing stream,
// within native.MaxArgs words.
func (s Signature) Validate() error {
	if s.Name == "" || s.Symbol == "" {
		return fmt.Errorf("%w: signature needs a name and a symbol", ErrInvalidArgument)
	}
	if len(s.Args) == 0 || s.Args[len(s.Args)-1].Class != ClassStream {
		return fmt.Errorf("%w: routine %s: last argument must be the stream", ErrInvalidArgument, s.Name)
	}
	words := 0
	prev := ClassDevice
	for i, k := range s.Args {
		if k.Class < prev {
			return fmt.Errorf("%w: routine %s: argument %d (%s) out of order; want device, shape, scalar, stream",
				ErrInvalidArgument, s.Name, i, k)
		}
		if k.Class == ClassStream && i != len(s.Args)-1 {
			return fmt.Errorf("%w: routine %s: more than one stream argument", ErrInvalidArgument, s.Name)
		}
		if k.Class == ClassShape && k.Of >= 0 {
			if k.Of >= len(s.Args) || s.Args[k.Of].Class != ClassDevice {
				return fmt.Errorf("%w: routine %s: shape argument %d describes argument %d, which is not a device pointer",
					ErrInvalidArgument, s.Name, i, k.Of)
			}
		}
		prev = k.Class
		words += k.words()
	}
	if words > native.MaxArgs {
		return fmt.Errorf("%w: routine %s takes %d words, limit is %d", ErrInvalidArgument, s.Name, words, native.MaxArgs)
	}
	return nil
}

func (s Signature) String() string {
	kinds := make([]string, len(s.Args))
	for i, k := range s.Args {
		kinds[i] = k.String()
	}
	return fmt.Sprintf("%s(%s)", s.Symbol, strings.Join(kinds, ", "))
}
