package conf

import "fmt"

// Reason classifies why a configuration was rejected.
type Reason int

const (
	MalformedAddress Reason = iota
	InvalidMtu
	UnresolvableEndpoint
	MissingRequiredField
	DuplicateSection
	InvalidSyntax
)

func (r Reason) String() string {
	switch r {
	case MalformedAddress:
		return "malformed address"
	case InvalidMtu:
		return "invalid mtu"
	case UnresolvableEndpoint:
		return "unresolvable endpoint"
	case MissingRequiredField:
		return "missing required field"
	case DuplicateSection:
		return "duplicate section"
	case InvalidSyntax:
		return "invalid syntax"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Error is a fatal configuration error, detected before any network or
// interface resource is acquired.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Reason, e.Detail)
}

// ReasonOf returns the reason code if err is a config Error.
func ReasonOf(err error) (Reason, bool) {
	ce, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return ce.Reason, true
}
