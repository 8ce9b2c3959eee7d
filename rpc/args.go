package rpc

import (
	"bytes"
	"encoding/json"
)

// Args is the positional _args list of an inbound request.
// Values stay raw until a handler asks for them with a concrete type.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Has reports whether argument i is present and not null.
func (a Args) Has(i int) bool {
	return i < len(a) && !bytes.Equal(bytes.TrimSpace(a[i]), []byte("null"))
}

// Raw returns argument i unparsed, or nil when absent.
func (a Args) Raw(i int) json.RawMessage {
	if i >= len(a) {
		return nil
	}
	return a[i]
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return &ArgError{Index: i, Want: "value", Err: errMissing}
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return &ArgError{Index: i, Want: "value", Err: err}
	}
	return nil
}

// DecodeOptional is Decode for trailing arguments: an absent or null
// argument leaves v untouched.
func (a Args) DecodeOptional(i int, v any) error {
	if !a.Has(i) {
		return nil
	}
	return a.Decode(i, v)
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	if err := a.decodeAs(i, "string", &s); err != nil {
		return "", err
	}
	return s, nil
}

// Int returns argument i as an integer.
func (a Args) Int(i int) (int64, error) {
	var n int64
	if err := a.decodeAs(i, "integer", &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Bool returns argument i as a boolean.
func (a Args) Bool(i int) (bool, error) {
	var b bool
	if err := a.decodeAs(i, "boolean", &b); err != nil {
		return false, err
	}
	return b, nil
}

// Strings returns the arguments from i onward as strings.
func (a Args) Strings(from int) ([]string, error) {
	var out []string
	for i := from; i < len(a); i++ {
		s, err := a.String(i)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (a Args) decodeAs(i int, want string, v any) error {
	if !a.Has(i) {
		return &ArgError{Index: i, Want: want, Err: errMissing}
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return &ArgError{Index: i, Want: want, Err: err}
	}
	return nil
}
