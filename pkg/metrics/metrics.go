package metrics

import (
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/code-payments/code-coordinator/pkg/cluster/partition"
)

const (
	MigrationEventName          = "PartitionMigration"
	MigrationDurationMetricName = "Custom/Cluster/PartitionMigration/Duration"
	MigrationFailureMetricName  = "Custom/Cluster/PartitionMigration/Failure"
)

// recorder is the subset of *newrelic.Application used here. Methods on a nil
// *newrelic.Application are no-ops.
type recorder interface {
	RecordCustomEvent(eventType string, params map[string]interface{})
	RecordCustomMetric(name string, value float64)
}

// MigrationRecorder is a partition.MigrationListener that reports every
// finished migration to New Relic.
type MigrationRecorder struct {
	r recorder
}

var _ partition.MigrationListener = (*MigrationRecorder)(nil)

func NewMigrationRecorder(app *newrelic.Application) *MigrationRecorder {
	return &MigrationRecorder{r: app}
}

func (m *MigrationRecorder) MigrationCompleted(e partition.MigrationEvent) {
	m.record(e)
}

func (m *MigrationRecorder) MigrationFailed(e partition.MigrationEvent) {
	m.record(e)
	m.r.RecordCustomMetric(MigrationFailureMetricName, 1)
}

func (m *MigrationRecorder) record(e partition.MigrationEvent) {
	m.r.RecordCustomEvent(MigrationEventName, map[string]interface{}{
		"partition":   e.Partition,
		"from":        string(e.From),
		"to":          string(e.To),
		"success":     e.Success,
		"elapsed_ms":  e.ElapsedMillis(),
		"description": e.Description,
	})
	m.r.RecordCustomMetric(MigrationDurationMetricName, float64(e.ElapsedMillis()))
}
