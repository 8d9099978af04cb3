package tracking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/correlation"
	"github.com/code-payments/code-coordinator/pkg/correlation/logger"
)

// LoggingStrategy logs every tracked message at info level.
type LoggingStrategy struct {
	log *logger.Logger
	now func() time.Time
}

func NewLoggingStrategy() *LoggingStrategy {
	return &LoggingStrategy{
		log: logger.New(logrus.StandardLogger().WithField("type", "correlation/tracking/LoggingStrategy")),
		now: time.Now,
	}
}

func (s *LoggingStrategy) OutboundRequest(_ context.Context, c correlation.Context) {
	s.log.For(c).WithField("event", "outbound_request").Info("Sending correlated request")
}

func (s *LoggingStrategy) InboundRequest(_ context.Context, c correlation.Context) {
	s.log.For(c).WithField("event", "inbound_request").Info("Received correlated request")
}

func (s *LoggingStrategy) OutboundReply(_ context.Context, c correlation.Context) {
	s.log.For(c).WithField("event", "outbound_reply").Info("Sending correlated reply")
}

// InboundReply stamps the reply's arrival time and, when the request's send
// time is known, logs the round trip.
func (s *LoggingStrategy) InboundReply(_ context.Context, c correlation.Context) {
	c = c.WithResponseReceived(s.now())

	log := s.log.For(c).WithField("event", "inbound_reply")
	if rtt, ok := c.RoundTrip(); ok {
		log = log.WithField("round_trip_ms", rtt.Milliseconds())
	}
	log.Info("Received correlated reply")
}
