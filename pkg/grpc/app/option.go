package app

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// Option configures the environment run by Run().
type Option func(o *opts)

type opts struct {
	unaryServerInterceptors  []grpc.UnaryServerInterceptor
	streamServerInterceptors []grpc.StreamServerInterceptor

	healthServer *health.Server
}

// WithUnaryServerInterceptor configures the app's gRPC server to use the provided interceptor.
//
// Interceptors are evaluated in addition order, and configured interceptors are executed after
// the app's default interceptors.
func WithUnaryServerInterceptor(interceptor grpc.UnaryServerInterceptor) Option {
	return func(o *opts) {
		o.unaryServerInterceptors = append(o.unaryServerInterceptors, interceptor)
	}
}

// WithStreamServerInterceptor configures the app's gRPC server to use the provided interceptor.
//
// Interceptors are evaluated in addition order, and configured interceptors are executed after
// the app's default interceptors.
func WithStreamServerInterceptor(interceptor grpc.StreamServerInterceptor) Option {
	return func(o *opts) {
		o.streamServerInterceptors = append(o.streamServerInterceptors, interceptor)
	}
}

// WithHealthServer serves hs as the gRPC health service instead of a default
// server that always reports SERVING. This lets the app report readiness,
// e.g. while the cluster is still rebalancing.
func WithHealthServer(hs *health.Server) Option {
	return func(o *opts) {
		o.healthServer = hs
	}
}
