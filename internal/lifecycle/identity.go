package lifecycle

import (
	"fmt"
	"strings"
)

// IDKind tags who assigned an Identifier.
type IDKind uint8

const (
	KindNone   IDKind = iota
	KindLocal         // provisional, generated in-process
	KindServer        // authoritative, returned by the remote service
)

func (k IDKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindServer:
		return "server"
	default:
		return "none"
	}
}

// Identifier is a vehicle identifier tagged with the component that produced
// it. The tag is set at construction and never inferred from the value.
type Identifier struct {
	Kind  IDKind
	Value string
}

// Local returns a provisional identifier.
func Local(v string) Identifier { return Identifier{Kind: KindLocal, Value: v} }

// Server returns an authoritative identifier.
func Server(v string) Identifier { return Identifier{Kind: KindServer, Value: v} }

// IsServer reports whether the identifier was assigned by the remote service.
func (id Identifier) IsServer() bool { return id.Kind == KindServer && id.Value != "" }

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool { return id.Kind == KindNone || id.Value == "" }

// String renders the identifier as "kind:value", or "" when unset.
func (id Identifier) String() string {
	if id.IsZero() {
		return ""
	}
	return id.Kind.String() + ":" + id.Value
}

// MarshalText implements encoding.TextMarshaler.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" {
		*id = Identifier{}
		return nil
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return fmt.Errorf("malformed identifier %q", s)
	}
	switch kind {
	case "local":
		*id = Local(value)
	case "server":
		*id = Server(value)
	default:
		return fmt.Errorf("unknown identifier kind %q", kind)
	}
	return nil
}
