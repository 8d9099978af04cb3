package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-coordinator/pkg/cluster/partition"
)

type fakeRecorder struct {
	events  []map[string]interface{}
	metrics map[string][]float64
}

func (f *fakeRecorder) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if eventType == MigrationEventName {
		f.events = append(f.events, params)
	}
}

func (f *fakeRecorder) RecordCustomMetric(name string, value float64) {
	if f.metrics == nil {
		f.metrics = make(map[string][]float64)
	}
	f.metrics[name] = append(f.metrics[name], value)
}

func TestMigrationRecorder(t *testing.T) {
	fake := &fakeRecorder{}
	m := &MigrationRecorder{r: fake}

	m.MigrationCompleted(partition.MigrationEvent{
		Success:   true,
		Elapsed:   12 * time.Millisecond,
		Partition: 3,
		From:      "a",
		To:        "b",
	})
	m.MigrationFailed(partition.MigrationEvent{
		Elapsed:     40 * time.Millisecond,
		Description: "boom",
		Partition:   4,
		From:        "a",
		To:          "c",
	})

	require.Len(t, fake.events, 2)
	assert.Equal(t, 3, fake.events[0]["partition"])
	assert.Equal(t, true, fake.events[0]["success"])
	assert.EqualValues(t, 12, fake.events[0]["elapsed_ms"])
	assert.Equal(t, "c", fake.events[1]["to"])
	assert.Equal(t, "boom", fake.events[1]["description"])

	assert.Equal(t, []float64{12, 40}, fake.metrics[MigrationDurationMetricName])
	assert.Equal(t, []float64{1}, fake.metrics[MigrationFailureMetricName])
}

func TestMigrationRecorder_NilApplication(t *testing.T) {
	m := NewMigrationRecorder(nil)
	require.NotPanics(t, func() {
		m.MigrationCompleted(partition.MigrationEvent{Success: true})
		m.MigrationFailed(partition.MigrationEvent{})
	})
}
