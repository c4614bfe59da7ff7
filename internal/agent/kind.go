package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the built-in agents. The set is closed: every
// value maps to a handler in the dispatch table at compile time.
type Kind uint8

const (
	KindDevManager Kind = iota + 1
	KindProductManager
	KindArchitect
	KindEngineer
	KindDataAnalyst
	KindPlatformEngineer

	kindCount = int(KindPlatformEngineer) + 1
)

// ErrUnknownKind is returned when a name does not denote an agent kind.
var ErrUnknownKind = errors.New("agent: unknown kind")

var kindNames = [kindCount]string{
	KindDevManager:       "dev_manager",
	KindProductManager:   "product_manager",
	KindArchitect:        "architect",
	KindEngineer:         "engineer",
	KindDataAnalyst:      "data_analyst",
	KindPlatformEngineer: "platform_engineer",
}

// Kinds lists every agent kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindDevManager; int(k) < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k is a declared kind.
func (k Kind) Valid() bool {
	return k > 0 && int(k) < kindCount
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind maps an external name to its Kind. Dashes and case are ignored.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, k := range Kinds() {
		if kindNames[k] == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
