package partition

import (
	"fmt"
	"time"

	"github.com/code-payments/code-coordinator/pkg/cluster"
)

// MigrationEvent reports the outcome of moving one partition between nodes.
type MigrationEvent struct {
	Success     bool
	Elapsed     time.Duration
	Description string

	Partition int
	From      cluster.NodeID
	To        cluster.NodeID
}

// ElapsedMillis returns the elapsed migration time in whole milliseconds.
func (e MigrationEvent) ElapsedMillis() int64 {
	return e.Elapsed.Milliseconds()
}

func (e MigrationEvent) String() string {
	status := "completed"
	if !e.Success {
		status = "failed"
	}
	return fmt.Sprintf("partition %d migration %s -> %s %s in %dms: %s", e.Partition, e.From, e.To, status, e.ElapsedMillis(), e.Description)
}

// MigrationListener is notified of finished migrations. Callbacks are invoked
// from the Service's own goroutine and must not block.
type MigrationListener interface {
	MigrationCompleted(e MigrationEvent)
	MigrationFailed(e MigrationEvent)
}

// ListenerFuncs adapts a pair of functions into a MigrationListener. Nil
// functions are ignored.
type ListenerFuncs struct {
	Completed func(MigrationEvent)
	Failed    func(MigrationEvent)
}

func (l ListenerFuncs) MigrationCompleted(e MigrationEvent) {
	if l.Completed != nil {
		l.Completed(e)
	}
}

func (l ListenerFuncs) MigrationFailed(e MigrationEvent) {
	if l.Failed != nil {
		l.Failed(e)
	}
}
