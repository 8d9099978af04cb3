// Package correlation carries a correlation context across the hops of one
// logical request.
//
// A Context is created once where the request enters the system, encoded into
// the HeaderKey header of every message the request produces, and decoded at
// each hop. Its ID never changes and its Path only grows.
package correlation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// HeaderKey is the message header carrying an encoded Context.
const HeaderKey = "x-correlation-context"

// ErrMalformedContext is returned when an encoded Context cannot be decoded.
var ErrMalformedContext = errors.New("malformed correlation context")

// ErrInvalidUTF8 is returned when an id or hop is not valid UTF-8 and so
// cannot be encoded without loss.
var ErrInvalidUTF8 = errors.New("correlation context is not valid utf-8")

// Hop is one processing stage a request passed through.
type Hop struct {
	Component  string `json:"c"`
	InstanceID string `json:"i"`
}

func (h Hop) String() string {
	return fmt.Sprintf("%s[%s]", h.Component, h.InstanceID)
}

// Context is the correlation state of one logical request. Values are
// immutable; the With methods return modified copies. An empty Path decodes
// as nil.
type Context struct {
	ID                 string
	Path               []Hop
	RequestSentAt      *time.Time
	ResponseReceivedAt *time.Time
}

// New returns a Context with a fresh random ID and an empty path.
func New() Context {
	return Context{ID: uuid.New().String()}
}

// NewWithID returns a Context with the provided ID, e.g. one taken from an
// upstream request id.
func NewWithID(id string) (Context, error) {
	if id == "" {
		return Context{}, errors.New("correlation id is empty")
	}
	if !utf8.ValidString(id) {
		return Context{}, ErrInvalidUTF8
	}
	return Context{ID: id}, nil
}

// WithHop returns a copy of c with a hop appended to its path. Encode fails
// with ErrInvalidUTF8 if component or instanceID is not valid UTF-8.
func (c Context) WithHop(component, instanceID string) Context {
	path := make([]Hop, len(c.Path), len(c.Path)+1)
	copy(path, c.Path)
	c.Path = append(path, Hop{Component: component, InstanceID: instanceID})
	return c
}

// WithRequestSent returns a copy of c stamped with the time the request left.
func (c Context) WithRequestSent(t time.Time) Context {
	t = t.UTC()
	c.RequestSentAt = &t
	c.Path = slices.Clone(c.Path)
	return c
}

// WithResponseReceived returns a copy of c stamped with the time the reply
// arrived.
func (c Context) WithResponseReceived(t time.Time) Context {
	t = t.UTC()
	c.ResponseReceivedAt = &t
	c.Path = slices.Clone(c.Path)
	return c
}

// RoundTrip returns the time between the request being sent and its reply
// arriving. ok is false unless both are known.
func (c Context) RoundTrip() (d time.Duration, ok bool) {
	if c.RequestSentAt == nil || c.ResponseReceivedAt == nil {
		return 0, false
	}
	return c.ResponseReceivedAt.Sub(*c.RequestSentAt), true
}

// PathString renders the hop path for logging.
func (c Context) PathString() string {
	if len(c.Path) == 0 {
		return "-"
	}

	hops := make([]string, len(c.Path))
	for i, h := range c.Path {
		hops[i] = h.String()
	}
	return strings.Join(hops, " -> ")
}

type wireContext struct {
	ID       string `json:"id"`
	Path     []Hop  `json:"p,omitempty"`
	Sent     *int64 `json:"s,omitempty"`
	Received *int64 `json:"r,omitempty"`
}

// Encode serializes c into a header-safe ASCII string.
func (c Context) Encode() (string, error) {
	if c.ID == "" {
		return "", errors.New("correlation id is empty")
	}
	if !c.validUTF8() {
		return "", ErrInvalidUTF8
	}

	w := wireContext{
		ID:   c.ID,
		Path: c.Path,
	}
	if c.RequestSentAt != nil {
		nanos := c.RequestSentAt.UnixNano()
		w.Sent = &nanos
	}
	if c.ResponseReceivedAt != nil {
		nanos := c.ResponseReceivedAt.UnixNano()
		w.Received = &nanos
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (c Context) validUTF8() bool {
	if !utf8.ValidString(c.ID) {
		return false
	}
	for _, h := range c.Path {
		if !utf8.ValidString(h.Component) || !utf8.ValidString(h.InstanceID) {
			return false
		}
	}
	return true
}

// Decode parses a string produced by Encode. Failures wrap ErrMalformedContext.
func Decode(s string) (Context, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrMalformedContext, err)
	}

	var w wireContext
	if err := json.Unmarshal(b, &w); err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrMalformedContext, err)
	}
	if w.ID == "" {
		return Context{}, fmt.Errorf("%w: missing id", ErrMalformedContext)
	}

	c := Context{
		ID:   w.ID,
		Path: w.Path,
	}
	if w.Sent != nil {
		t := time.Unix(0, *w.Sent).UTC()
		c.RequestSentAt = &t
	}
	if w.Received != nil {
		t := time.Unix(0, *w.Received).UTC()
		c.ResponseReceivedAt = &t
	}
	return c, nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the Context carried by ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}
