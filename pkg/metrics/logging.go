package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/code-coordinator/pkg/correlation/logger"
)

// CustomNewRelicContextLogFormatter is a logrus.Formatter that will format logs for sending
// to New Relic. This is a custom implementation that includes sending all logrus.Entry.Fields,
// which isn't supported out of the box yet. Correlation fields are lifted into the
// message so forwarded logs can be searched by correlation id.
//
// Based off of: https://github.com/newrelic/go-agent/blob/f1942e10f0819e2c854d5d7289eb0dc1c52a00af/v3/integrations/logcontext-v2/nrlogrus/formatter.go
type CustomNewRelicContextLogFormatter struct {
	app       *newrelic.Application
	formatter logrus.Formatter
}

func NewCustomNewRelicLogFormatter(app *newrelic.Application, formatter logrus.Formatter) CustomNewRelicContextLogFormatter {
	return CustomNewRelicContextLogFormatter{
		app:       app,
		formatter: formatter,
	}
}

func (f CustomNewRelicContextLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	logBytes, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}
	if f.app == nil {
		return logBytes, nil
	}

	logData := newrelic.LogData{
		Severity: e.Level.String(),
		Message:  formatMessage(e),
	}

	logBytes = bytes.TrimRight(logBytes, "\n")
	b := bytes.NewBuffer(logBytes)

	ctx := e.Context
	var txn *newrelic.Transaction
	if ctx != nil {
		txn = newrelic.FromContext(ctx)
	}
	if txn != nil {
		txn.RecordLog(logData)
		err := newrelic.EnrichLog(b, newrelic.FromTxn(txn))
		if err != nil {
			return nil, err
		}
	} else {
		f.app.RecordLog(logData)
		err := newrelic.EnrichLog(b, newrelic.FromApp(f.app))
		if err != nil {
			return nil, err
		}
	}
	b.WriteString("\n")
	return b.Bytes(), nil
}

func formatMessage(e *logrus.Entry) string {
	message := e.Message
	if len(e.Data) == 0 {
		return message
	}

	errorString := "<nil>"
	correlationID := logger.NoCorrelation
	extraData := make(map[string]interface{})

	for k, v := range e.Data {
		switch k {
		case logrus.ErrorKey:
			if typed, ok := v.(error); ok {
				errorString = fmt.Sprintf("\"%s\"", typed.Error())
			}
		case logger.IDField:
			correlationID = fmt.Sprint(v)
		default:
			extraData[k] = v
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(extraData); err != nil {
		return message
	}
	extraDataJsonBytes := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	return fmt.Sprintf(
		"correlation_id=%s, message=\"%s\", error=%s, data=%s",
		correlationID,
		message,
		errorString,
		string(extraDataJsonBytes),
	)
}
