package envelope

import (
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
)

// Args are the positional arguments of a remote call, kept in raw JSON form
// until a handler scans them.
type Args []json.RawMessage

// PackArgs marshals values into the JSON array carried by a call envelope.
func PackArgs(values ...any) (json.RawMessage, error) {
	if values == nil {
		values = []any{}
	}
	raw, err := jsoncodec.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	return raw, nil
}

// ParseArgs splits call data into positional arguments. A null or missing
// payload means no arguments; a non-array payload is a single argument.
func ParseArgs(data json.RawMessage) (Args, error) {
	if jsoncodec.IsNull(data) {
		return Args{}, nil
	}
	var args Args
	if err := jsoncodec.Unmarshal(data, &args); err != nil {
		return Args{data}, nil
	}
	return args, nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Scan decodes arguments into dst in order. Passing fewer destinations than
// arguments ignores the rest; passing more is an error.
func (a Args) Scan(dst ...any) error {
	if len(dst) > len(a) {
		return fmt.Errorf("peerwire: expected at least %d arguments, got %d", len(dst), len(a))
	}
	for i, d := range dst {
		if d == nil {
			continue
		}
		if err := jsoncodec.Unmarshal(a[i], d); err != nil {
			return fmt.Errorf("peerwire: argument %d: %w", i, err)
		}
	}
	return nil
}

// Values decodes every argument into a generic Go value.
func (a Args) Values() ([]any, error) {
	out := make([]any, len(a))
	for i := range a {
		if err := jsoncodec.Unmarshal(a[i], &out[i]); err != nil {
			return nil, fmt.Errorf("peerwire: argument %d: %w", i, err)
		}
	}
	return out, nil
}
