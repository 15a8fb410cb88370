// Package visibility implements the four-level clearance/visibility lattice
// shared by every component that reads or writes an entity.
package visibility

import (
	"fmt"
	"strings"
)

// Level is an ordered visibility/clearance label. Comparisons use the
// integer order only — never string comparison.
type Level int

const (
	Public Level = iota
	Team
	Confidential
	Restricted
)

// Default is the visibility new projects, conversations, and messages take
// when the caller does not specify one.
const Default = Team

func (l Level) String() string {
	switch l {
	case Public:
		return "public"
	case Team:
		return "team"
	case Confidential:
		return "confidential"
	case Restricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// Parse converts a wire-format string into a Level.
func Parse(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return Public, nil
	case "team":
		return Team, nil
	case "confidential":
		return Confidential, nil
	case "restricted":
		return Restricted, nil
	default:
		return 0, fmt.Errorf("visibility: unknown level %q", s)
	}
}

// ParseOrDefault parses s, falling back to Default when s is empty.
func ParseOrDefault(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	return Parse(s)
}

// MarshalJSON renders the level as its wire string.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON parses the wire string into a Level.
func (l *Level) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// CanSee reports whether a reader of the given clearance may see an entity
// at the given visibility.
func CanSee(clearance, entity Level) bool {
	return entity <= clearance
}

// Cap clamps a requested visibility to the sender's clearance — a message
// (or other entity) is never persisted at a visibility the author isn't
// cleared for.
func Cap(requested, clearance Level) Level {
	if requested > clearance {
		return clearance
	}
	return requested
}

// Raise returns the larger of current and candidate. Used for the
// high-water mark, which only ever moves up.
func Raise(current, candidate Level) Level {
	if candidate > current {
		return candidate
	}
	return current
}
