package spider

import (
	"fmt"
	"strings"
)

// Mode is the kind of interest a consumer holds in a session.
type Mode int

const (
	// ModeRead serves on-demand requests with read-ahead.
	ModeRead Mode = iota
	// ModeDownload additionally sweeps every page in order.
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeDownload:
		return "download"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses "read" or "download".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "":
		return ModeRead, nil
	case "download":
		return ModeDownload, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Sentinel values returned by Queen.Size.
const (
	// SizeWait means the page count is not known yet.
	SizeWait = -1
	// SizeError means the session failed to initialize or has stopped.
	SizeError = -2
)
