package grpc

import (
	"context"
)

type routingKeyCtx struct{}

// nodeAttributeKey keys the registry.NodeDescriptor attached to every resolved
// address.
type nodeAttributeKey struct{}

// WithRoutingKey pins calls made with the returned context to the node owning
// key on the registry ring. Calls without a key are spread by node weight.
func WithRoutingKey(parent context.Context, key []byte) context.Context {
	return context.WithValue(parent, routingKeyCtx{}, key)
}

// WithStringRoutingKey is WithRoutingKey for string keys, e.g. a correlation id.
func WithStringRoutingKey(parent context.Context, key string) context.Context {
	return WithRoutingKey(parent, []byte(key))
}

// RoutingKey returns the key set by WithRoutingKey. An empty key counts as
// unset.
func RoutingKey(ctx context.Context) ([]byte, bool) {
	key, ok := ctx.Value(routingKeyCtx{}).([]byte)
	return key, ok && len(key) > 0
}
