// Package logger tags log lines with correlation ids.
//
// Two modes are offered. The explicit mode (For, FromContext) derives an entry
// from a correlation.Context and is safe for concurrent use. The legacy mode
// (Logger.CorrelateWith) stores a tag on a shared Logger which the next log
// call consumes. Concurrent callers sharing one Logger can observe each
// other's tags unless they serialize each CorrelateWith and log call pair.
package logger

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/correlation"
)

const (
	// NoCorrelation is logged when no correlation id is available.
	NoCorrelation = "no-correlation-id"

	// IDField is the log field holding the correlation id.
	IDField = "correlation_id"

	// PathField is the log field holding the hop path.
	PathField = "correlation_path"
)

// Logger is a logrus entry with a single-use correlation tag.
type Logger struct {
	entry *logrus.Entry

	mu  sync.Mutex
	tag string
}

// New wraps entry. A nil entry uses the standard logger.
func New(entry *logrus.Entry) *Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Logger{
		entry: entry,
		tag:   NoCorrelation,
	}
}

// CorrelateWith tags the next log call with id.
func (l *Logger) CorrelateWith(id string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == "" {
		id = NoCorrelation
	}
	l.tag = id
	return l
}

// take returns the current tag and resets it. The reset happens before the
// entry is written, so a panicking formatter or disabled level still clears it.
func (l *Logger) take() *logrus.Entry {
	l.mu.Lock()
	tag := l.tag
	l.tag = NoCorrelation
	l.mu.Unlock()

	return l.entry.WithField(IDField, tag)
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.take().Tracef(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.take().Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.take().Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.take().Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.take().Errorf(format, args...)
}

// For returns an entry derived from l tagged with c. It does not touch l's tag.
func (l *Logger) For(c correlation.Context) *logrus.Entry {
	return withContext(l.entry, c)
}

// For returns a standard logger entry tagged with c.
func For(c correlation.Context) *logrus.Entry {
	return withContext(logrus.NewEntry(logrus.StandardLogger()), c)
}

// FromContext returns a standard logger entry tagged with the correlation
// context carried by ctx, or with NoCorrelation if there is none.
func FromContext(ctx context.Context) *logrus.Entry {
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return logrus.StandardLogger().WithField(IDField, NoCorrelation)
	}
	return For(c)
}

func withContext(entry *logrus.Entry, c correlation.Context) *logrus.Entry {
	id := c.ID
	if id == "" {
		id = NoCorrelation
	}

	return entry.WithFields(logrus.Fields{
		IDField:   id,
		PathField: c.PathString(),
	})
}
