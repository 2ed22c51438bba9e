package tide

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/oklog/ulid/v2"
)

/*
Maintains a live, consistent view of server-computed query results over a
single persistent connection, with properties:
- transitions are applied strictly in server order and only when contiguous
  with the current version
- locally-predicted writes are replayed deterministically over each fresh
  server snapshot until confirmed
- pending requests are failed, never silently retried, when the connection
  is lost
- the last-known view stays readable across reconnects until superseded
*/

// comparable
// 16 bytes of a ulid, so ids from the same source are orderable by create time
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// stable integer handle for one subscribed query, assigned by the client
// and never reused within a client
type QueryId uint32

// correlation token for one outgoing mutation or action,
// strictly increasing for the lifetime of the client
type RequestId uint64

// a server function reference in canonical `module:export` form
// Canonicalization appends `:default` when the export name is omitted and
// strips a `.js` module suffix.
func CanonicalFunctionPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("function path must not be empty")
	}
	module, export, found := strings.Cut(path, ":")
	if !found {
		export = "default"
	}
	module = strings.TrimSuffix(module, ".js")
	if module == "" {
		return "", fmt.Errorf("function path has no module: %q", path)
	}
	if export == "" || strings.Contains(export, ":") {
		return "", fmt.Errorf("function path has a malformed export: %q", path)
	}
	return fmt.Sprintf("%s:%s", module, export), nil
}

// raw json. A nil `Value` means absent, which is distinct from json null.
type Value []byte

func NewValue(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

func RequireValue(v any) Value {
	value, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return value
}

func (self Value) MarshalJSON() ([]byte, error) {
	if len(self) == 0 {
		return []byte("null"), nil
	}
	return self, nil
}

func (self *Value) UnmarshalJSON(src []byte) error {
	next := make([]byte, len(src))
	copy(next, src)
	*self = next
	return nil
}

func (self Value) Decode(out any) error {
	if len(self) == 0 {
		return errors.New("cannot decode an absent value")
	}
	return json.Unmarshal(self, out)
}

func (self Value) Equal(other Value) bool {
	return bytes.Equal(self, other)
}

func (self Value) String() string {
	if len(self) == 0 {
		return "<absent>"
	}
	return string(self)
}

// the outcome of one server function: a value, or the application-level
// error the server rejected it with
type FunctionResult struct {
	Value Value
	Err   error
}

func (self FunctionResult) Equal(other FunctionResult) bool {
	if !self.Value.Equal(other.Value) {
		return false
	}
	if (self.Err == nil) != (other.Err == nil) {
		return false
	}
	if self.Err != nil && self.Err.Error() != other.Err.Error() {
		return false
	}
	return true
}

// arguments are always a json object on the wire
func canonicalArgs(args any) (Value, error) {
	switch v := args.(type) {
	case nil:
		return Value(`{}`), nil
	case Value:
		if len(v) == 0 {
			return Value(`{}`), nil
		}
		return v, nil
	default:
		return NewValue(args)
	}
}
