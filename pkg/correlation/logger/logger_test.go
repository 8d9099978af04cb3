package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/correlation"
)

func newTestLogger() (*Logger, *logtest.Hook) {
	base, hook := logtest.NewNullLogger()
	base.SetLevel(logrus.TraceLevel)
	return New(logrus.NewEntry(base)), hook
}

func TestCorrelateWith_SingleUse(t *testing.T) {
	l, hook := newTestLogger()

	l.CorrelateWith("X").Infof("first %d", 1)
	l.Infof("second")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	require.Equal(t, "X", entries[0].Data[IDField])
	require.Equal(t, "first 1", entries[0].Message)
	require.Equal(t, NoCorrelation, entries[1].Data[IDField])
}

func TestCorrelateWith_AllLevels(t *testing.T) {
	l, hook := newTestLogger()

	emit := []func(string, ...interface{}){l.Tracef, l.Debugf, l.Infof, l.Warnf, l.Errorf}
	levels := []logrus.Level{logrus.TraceLevel, logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}

	for i, fn := range emit {
		l.CorrelateWith("id")
		fn("msg")
		fn("msg")

		entries := hook.AllEntries()
		require.Len(t, entries, 2*(i+1))
		require.Equal(t, levels[i], entries[2*i].Level)
		require.Equal(t, "id", entries[2*i].Data[IDField])
		require.Equal(t, NoCorrelation, entries[2*i+1].Data[IDField])
	}
}

func TestCorrelateWith_ResetWhenLevelDisabled(t *testing.T) {
	l, hook := newTestLogger()
	l.entry.Logger.SetLevel(logrus.InfoLevel)

	l.CorrelateWith("X").Debugf("dropped")
	l.Infof("kept")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, NoCorrelation, entries[0].Data[IDField])
}

func TestCorrelateWith_Empty(t *testing.T) {
	l, hook := newTestLogger()

	l.CorrelateWith("").Infof("msg")
	require.Equal(t, NoCorrelation, hook.LastEntry().Data[IDField])
}

func TestFor(t *testing.T) {
	l, hook := newTestLogger()

	c := correlation.New().WithHop("gateway", "1")
	l.For(c).Info("msg")

	entry := hook.LastEntry()
	require.Equal(t, c.ID, entry.Data[IDField])
	require.Equal(t, "gateway[1]", entry.Data[PathField])

	// The explicit mode leaves the legacy tag alone.
	l.CorrelateWith("legacy")
	l.For(c).Info("msg")
	l.Infof("msg")
	require.Equal(t, "legacy", hook.LastEntry().Data[IDField])
}

func TestFromContext(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	FromContext(context.Background()).Info("msg")
	require.Equal(t, NoCorrelation, hook.LastEntry().Data[IDField])

	c := correlation.New()
	FromContext(correlation.NewContext(context.Background(), c)).Info("msg")
	require.Equal(t, c.ID, hook.LastEntry().Data[IDField])
}
