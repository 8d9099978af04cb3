package grpc

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	healthServicePrefix = "/grpc.health.v1.Health/"
	fullMethodNameRegex = regexp.MustCompile("^/([a-zA-Z0-9]+\\.)+[a-zA-Z0-9]+/[a-zA-Z0-9]+$")

	errMaintenance = status.Error(codes.Unavailable, "temporarily unavailable")
)

// ParseFullMethodName parses a gRPC full method name into its components
func ParseFullMethodName(fullMethodName string) (packageName, serviceName, methodName string, err error) {
	if !fullMethodNameRegex.MatchString(fullMethodName) {
		return "", "", "", errors.New("invalid full method name")
	}

	parts := strings.Split(fullMethodName, "/")
	methodName = parts[2]

	parts = strings.Split(parts[1], ".")
	serviceName = parts[len(parts)-1]
	packageName = strings.Join(parts[:len(parts)-1], ".")

	return packageName, serviceName, methodName, nil
}

// MaintenanceUnaryServerInterceptor makes all unary RPCs other than health
// checks return UNAVAILABLE. A node in maintenance keeps its cluster membership
// but stops serving coordinator calls.
func MaintenanceUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if IsHealthCheckEndpoint(info.FullMethod) {
			return handler(ctx, req)
		}

		return nil, errMaintenance
	}
}

// MaintenanceStreamServerInterceptor is the streaming counterpart of
// MaintenanceUnaryServerInterceptor.
func MaintenanceStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if IsHealthCheckEndpoint(info.FullMethod) {
			return handler(srv, ss)
		}

		return errMaintenance
	}
}

// IsHealthCheckEndpoint returns whether a method belongs to the health service
func IsHealthCheckEndpoint(methodName string) bool {
	return strings.HasPrefix(methodName, healthServicePrefix)
}
