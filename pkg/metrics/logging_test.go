package metrics

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/correlation/logger"
)

func TestFormatMessage(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())

	entry.Message = "plain"
	assert.Equal(t, "plain", formatMessage(entry))

	entry = entry.WithFields(logrus.Fields{
		logger.IDField:   "abc",
		logger.PathField: "a[1] -> b[2]",
		"type":           "test",
	}).WithError(errors.New("boom"))
	entry.Message = "hello"

	assert.Equal(
		t,
		`correlation_id=abc, message="hello", error="boom", data={"correlation_path":"a[1] -> b[2]","type":"test"}`,
		formatMessage(entry),
	)
}

func TestFormatMessage_Uncorrelated(t *testing.T) {
	entry := logrus.NewEntry(logrus.New()).WithField("type", "test")
	entry.Message = "hello"

	assert.Equal(t, `correlation_id=no-correlation-id, message="hello", error=<nil>, data={"type":"test"}`, formatMessage(entry))
}

func TestFormatMessage_NoHTMLEscaping(t *testing.T) {
	entry := logrus.NewEntry(logrus.New()).WithField("query", "<a> & <b>")
	entry.Message = "hello"

	assert.Equal(t, `correlation_id=no-correlation-id, message="hello", error=<nil>, data={"query":"<a> & <b>"}`, formatMessage(entry))
}

func TestFormatter_WithoutApplication(t *testing.T) {
	f := NewCustomNewRelicLogFormatter(nil, &logrus.JSONFormatter{})

	entry := logrus.NewEntry(logrus.New()).WithField("type", "test")
	entry.Message = "hello"

	b, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
}
