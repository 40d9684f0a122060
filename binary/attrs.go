package binary

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opd-ai/wacore/types"
)

// AttrGetter reads typed attributes and collects every failure so a
// handler can check once at the end.
type AttrGetter struct {
	Attrs  Attrs
	Errors []error
}

// AttrGetter returns a getter over the node's attributes.
func (n Node) AttrGetter() *AttrGetter {
	return &AttrGetter{Attrs: n.Attrs}
}

func (ag *AttrGetter) get(key string, require bool) (string, bool) {
	v, ok := ag.Attrs.Get(key)
	if !ok && require {
		ag.Errors = append(ag.Errors, fmt.Errorf("didn't find required attribute %q", key))
	}
	return v, ok
}

// String returns a required string attribute.
func (ag *AttrGetter) String(key string) string {
	v, _ := ag.get(key, true)
	return v
}

// OptionalString returns a string attribute or "".
func (ag *AttrGetter) OptionalString(key string) string {
	v, _ := ag.get(key, false)
	return v
}

func (ag *AttrGetter) getInt(key string, require bool) (int64, bool) {
	v, ok := ag.get(key, require)
	if !ok {
		return 0, false
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		ag.Errors = append(ag.Errors, fmt.Errorf("failed to parse int in attribute %q: %w", key, err))
		return 0, false
	}
	return i, true
}

// Int returns a required integer attribute.
func (ag *AttrGetter) Int(key string) int {
	i, _ := ag.getInt(key, true)
	return int(i)
}

// OptionalInt returns an integer attribute or 0.
func (ag *AttrGetter) OptionalInt(key string) int {
	i, _ := ag.getInt(key, false)
	return int(i)
}

// UnixTime returns a required seconds timestamp.
func (ag *AttrGetter) UnixTime(key string) time.Time {
	i, ok := ag.getInt(key, true)
	if !ok {
		return time.Time{}
	}
	return time.Unix(i, 0)
}

// Bool returns a boolean attribute; missing means false.
func (ag *AttrGetter) Bool(key string) bool {
	v, ok := ag.get(key, false)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		ag.Errors = append(ag.Errors, fmt.Errorf("failed to parse bool in attribute %q: %w", key, err))
	}
	return b
}

// JID returns a required address attribute.
func (ag *AttrGetter) JID(key string) types.JID {
	v, ok := ag.get(key, true)
	if !ok {
		return types.JID{}
	}
	jid, err := types.ParseJID(v)
	if err != nil {
		ag.Errors = append(ag.Errors, fmt.Errorf("attribute %q: %w", key, err))
	}
	return jid
}

// OptionalJID returns an address attribute or the empty JID.
func (ag *AttrGetter) OptionalJID(key string) types.JID {
	v, ok := ag.get(key, false)
	if !ok {
		return types.JID{}
	}
	jid, err := types.ParseJID(v)
	if err != nil {
		ag.Errors = append(ag.Errors, fmt.Errorf("attribute %q: %w", key, err))
	}
	return jid
}

// OK reports whether every read so far succeeded.
func (ag *AttrGetter) OK() bool {
	return len(ag.Errors) == 0
}

// Error joins the collected failures, wrapped as ErrMalformedNode.
func (ag *AttrGetter) Error() error {
	if ag.OK() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMalformedNode, errors.Join(ag.Errors...))
}
