package dispatch

import (
	"fmt"
	"strings"
)

// Mode selects which engine(s) analyze each chunk.
type Mode int

const (
	// ModeAuto calls both engines, dropping one that is known to be unhealthy.
	ModeAuto Mode = iota

	// ModeMono calls only the monophonic engine.
	ModeMono

	// ModePoly calls only the polyphonic engine.
	ModePoly

	// ModeBoth always calls both engines.
	ModeBoth
)

var modeNames = [...]string{"auto", "mono", "poly", "both"}

// String returns the lower-case config name of m.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode accepts "auto", "mono", "poly", "both" and the long forms
// "mono_only" and "poly_only", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return ModeAuto, nil
	case "mono", "mono_only", "monoonly":
		return ModeMono, nil
	case "poly", "poly_only", "polyonly":
		return ModePoly, nil
	case "both":
		return ModeBoth, nil
	}
	return ModeAuto, fmt.Errorf("dispatch: unknown analysis mode %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (m Mode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(modeNames) {
		return nil, fmt.Errorf("dispatch: invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
