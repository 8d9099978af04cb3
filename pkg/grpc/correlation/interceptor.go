// Package correlation binds correlation tracking to gRPC calls.
//
// A unary call maps onto all four tracking legs. On the client, sending the
// request is an outbound request and the response header is an inbound reply.
// On the server, the incoming metadata is an inbound request and the response
// header is an outbound reply. Streams only track the request leg.
//
// Clients only propagate a context that is already present in ctx (see
// correlation.NewContext); calls without one are not tracked.
package correlation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/code-payments/code-coordinator/pkg/correlation"
	"github.com/code-payments/code-coordinator/pkg/correlation/tracking"
)

// message adapts gRPC metadata to tracking.Message. Requests use the full
// method name as their reply address.
type message struct {
	md     metadata.MD
	method string
}

func requestMessage(method string, md metadata.MD) tracking.Message {
	return message{md: md, method: method}
}

func replyMessage(md metadata.MD) tracking.Message {
	return message{md: md}
}

func (m message) Header(key string) (string, bool) {
	values := m.md.Get(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (m message) ReplyAddress() string {
	return m.method
}

// UnaryClientInterceptor propagates the correlation context in ctx to the
// server and tracks the call.
func UnaryClientInterceptor(i *tracking.Interceptor) grpc.UnaryClientInterceptor {
	log := logrus.StandardLogger().WithField("type", "grpc/correlation/interceptor")

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, md, ok := attach(ctx, log)
		if !ok {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		var header metadata.MD
		opts = append(opts, grpc.Header(&header))

		var err error
		i.Handle(ctx, tracking.Outbound, requestMessage(method, md), func(ctx context.Context) {
			err = invoker(ctx, method, req, reply, cc, opts...)
		})

		i.Track(ctx, tracking.Inbound, replyMessage(header))

		return err
	}
}

// StreamClientInterceptor propagates the correlation context in ctx to the
// server and tracks the stream's request leg.
func StreamClientInterceptor(i *tracking.Interceptor) grpc.StreamClientInterceptor {
	log := logrus.StandardLogger().WithField("type", "grpc/correlation/interceptor")

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, md, ok := attach(ctx, log)
		if !ok {
			return streamer(ctx, desc, cc, method, opts...)
		}

		var stream grpc.ClientStream
		var err error
		i.Handle(ctx, tracking.Outbound, requestMessage(method, md), func(ctx context.Context) {
			stream, err = streamer(ctx, desc, cc, method, opts...)
		})
		return stream, err
	}
}

// attach stamps the send time on the correlation context in ctx and adds it
// to the outgoing metadata.
func attach(ctx context.Context, log *logrus.Entry) (context.Context, metadata.MD, bool) {
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return ctx, nil, false
	}

	value, err := c.WithRequestSent(time.Now()).Encode()
	if err != nil {
		log.WithError(err).Warn("Failed to encode correlation context")
		return ctx, nil, false
	}

	ctx = metadata.AppendToOutgoingContext(ctx, correlation.HeaderKey, value)
	md, _ := metadata.FromOutgoingContext(ctx)
	return ctx, md, true
}

// UnaryServerInterceptor tracks incoming calls and returns the correlation
// context to the client in the response header.
func UnaryServerInterceptor(i *tracking.Interceptor) grpc.UnaryServerInterceptor {
	log := logrus.StandardLogger().WithField("type", "grpc/correlation/interceptor")

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		var resp interface{}
		var err error
		i.Handle(ctx, tracking.Inbound, requestMessage(info.FullMethod, md), func(ctx context.Context) {
			resp, err = handler(ctx, req)
			reply(ctx, i, log)
		})

		return resp, err
	}
}

func reply(ctx context.Context, i *tracking.Interceptor, log *logrus.Entry) {
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return
	}

	value, err := c.Encode()
	if err != nil {
		log.WithError(err).Warn("Failed to encode correlation context")
		return
	}

	md := metadata.Pairs(correlation.HeaderKey, value)
	if err := grpc.SetHeader(ctx, md); err != nil {
		log.WithError(err).Debug("Failed to set correlation response header")
		return
	}

	i.Track(ctx, tracking.Outbound, replyMessage(md))
}

// StreamServerInterceptor tracks incoming streams. The handler's stream
// context carries the decoded correlation context.
func StreamServerInterceptor(i *tracking.Interceptor) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())

		var err error
		i.Handle(ss.Context(), tracking.Inbound, requestMessage(info.FullMethod, md), func(ctx context.Context) {
			err = handler(srv, &streamWrapper{ServerStream: ss, ctx: ctx})
		})
		return err
	}
}

type streamWrapper struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *streamWrapper) Context() context.Context {
	return s.ctx
}
