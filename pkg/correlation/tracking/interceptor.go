// Package tracking observes correlation contexts on messages as they cross
// the process boundary.
//
// An Interceptor sits in the message delivery path. For every message that
// carries a correlation header, it decodes the context and hands it to exactly
// one Strategy method chosen by the message's Direction and Leg. Messages are
// always delivered, whatever happens while tracking them.
package tracking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	xrate "golang.org/x/time/rate"

	"github.com/code-payments/code-coordinator/pkg/correlation"
	"github.com/code-payments/code-coordinator/pkg/rate"
)

// Direction is relative to this process.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Leg distinguishes requests, which expect a reply, from replies.
type Leg int

const (
	Request Leg = iota
	Reply
)

func (l Leg) String() string {
	switch l {
	case Request:
		return "request"
	case Reply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is the view of a transport message the Interceptor needs.
type Message interface {
	// Header returns the value of a header, if present.
	Header(key string) (string, bool)

	// ReplyAddress returns where replies to the message should go. It is
	// empty for replies.
	ReplyAddress() string
}

// LegOf classifies msg by whether it carries a reply address.
func LegOf(msg Message) Leg {
	if msg.ReplyAddress() != "" {
		return Request
	}
	return Reply
}

// Strategy handles tracked messages. Implementations must not block.
type Strategy interface {
	OutboundRequest(ctx context.Context, c correlation.Context)
	InboundRequest(ctx context.Context, c correlation.Context)
	OutboundReply(ctx context.Context, c correlation.Context)
	InboundReply(ctx context.Context, c correlation.Context)
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLocalHop appends a hop for this process to the context of every inbound
// request before it is handled.
func WithLocalHop(component, instanceID string) Option {
	return func(i *Interceptor) {
		i.hop = &correlation.Hop{Component: component, InstanceID: instanceID}
	}
}

// WithDecodeWarningLimiter replaces the limiter throttling warnings about
// undecodable headers. Limiter keys are header values.
func WithDecodeWarningLimiter(l rate.Limiter) Option {
	return func(i *Interceptor) {
		i.limiter = l
	}
}

// Interceptor dispatches tracked messages to a Strategy.
type Interceptor struct {
	log      *logrus.Entry
	strategy Strategy
	limiter  rate.Limiter
	hop      *correlation.Hop
}

func NewInterceptor(strategy Strategy, opts ...Option) *Interceptor {
	i := &Interceptor{
		log:      logrus.StandardLogger().WithField("type", "correlation/tracking/Interceptor"),
		strategy: strategy,
		limiter: rate.All(
			rate.NewLocalRateLimiter(xrate.Every(time.Minute), 1, 1024),
			rate.NewGlobalRateLimiter(xrate.Every(time.Second), 10),
		),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Handle tracks msg and then calls next. If msg carries a decodable context,
// next receives a ctx holding it (see correlation.FromContext).
func (i *Interceptor) Handle(ctx context.Context, dir Direction, msg Message, next func(context.Context)) {
	next(i.Track(ctx, dir, msg))
}

// Track performs the tracking half of Handle and returns the ctx to continue
// with. It never fails; problems are logged.
func (i *Interceptor) Track(ctx context.Context, dir Direction, msg Message) (out context.Context) {
	out = ctx

	var id string
	defer func() {
		if r := recover(); r != nil {
			i.log.WithFields(logrus.Fields{
				"direction":      dir,
				"correlation_id": id,
			}).Errorf("Message tracking panicked: %v", r)
		}
	}()

	value, ok := msg.Header(correlation.HeaderKey)
	if !ok {
		return out
	}

	c, err := correlation.Decode(value)
	if err != nil {
		key := value
		if len(key) > 128 {
			key = key[:128]
		}
		if i.limiter.Allow(key) {
			i.log.WithError(err).WithField("direction", dir).Warn("Ignoring undecodable correlation header")
		}
		return out
	}

	leg := LegOf(msg)
	if dir == Inbound && leg == Request && i.hop != nil {
		c = c.WithHop(i.hop.Component, i.hop.InstanceID)
	}

	id = c.ID
	out = correlation.NewContext(ctx, c)

	switch dir {
	case Outbound:
		switch leg {
		case Request:
			i.strategy.OutboundRequest(out, c)
		case Reply:
			i.strategy.OutboundReply(out, c)
		}
	case Inbound:
		switch leg {
		case Request:
			i.strategy.InboundRequest(out, c)
		case Reply:
			i.strategy.InboundReply(out, c)
		}
	default:
		i.log.WithField("direction", dir).Warn("Unknown message direction")
	}

	return out
}
