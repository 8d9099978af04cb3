package etcd

import (
	"context"
	"maps"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/code-coordinator/pkg/retry"
	"github.com/code-payments/code-coordinator/pkg/retry/backoff"
)

// Snapshot is the state of every key under a prefix at a point in time.
type Snapshot[K comparable, V any] struct {
	Tree map[K]V
}

// KVTransform maps a raw etcd key-value into the <K, V> pair stored in a Snapshot.
//
// The full KeyValue is provided so that transforms can make use of revision
// metadata, such as CreateRevision for ordering by creation.
type KVTransform[K comparable, V any] func(kv *mvccpb.KeyValue) (K, V, error)

// WatchPrefix watches every key under prefix until ctx is cancelled.
//
// The returned channel emits a full Snapshot after the initial read and after
// every batch of watch events. Records that fail the transform are dropped. The
// channel is closed once ctx is cancelled.
func WatchPrefix[K comparable, V any](
	ctx context.Context,
	client *v3.Client,
	prefix string,
	transform KVTransform[K, V],
) <-chan Snapshot[K, V] {
	log := logrus.StandardLogger().WithFields(logrus.Fields{
		"method": "WatchPrefix",
		"prefix": prefix,
	})

	ch := make(chan Snapshot[K, V], 1)

	emit := func(tree map[K]V) bool {
		select {
		case ch <- Snapshot[K, V]{Tree: maps.Clone(tree)}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	loop := func() error {
		get, err := client.Get(ctx, prefix, v3.WithPrefix())
		if err != nil {
			return err
		}

		if get.More {
			log.WithFields(logrus.Fields{
				"total":    get.Count,
				"returned": len(get.Kvs),
			}).Warn("Prefix read was truncated")
		}

		tree := make(map[K]V, len(get.Kvs))
		for _, kv := range get.Kvs {
			key, val, err := transform(kv)
			if err != nil {
				log.WithError(err).WithField("key", string(kv.Key)).Warn("Invalid record, dropping")
				continue
			}

			tree[key] = val
		}

		if !emit(tree) {
			return ctx.Err()
		}

		watchCh := client.Watch(
			ctx,
			prefix,
			v3.WithPrefix(),
			v3.WithRev(get.Header.Revision+1),
			v3.WithPrevKV(), // Needed to transform deleted keys.
		)

		for watch := range watchCh {
			if err := watch.Err(); err != nil {
				return err
			}

			for _, event := range watch.Events {
				switch event.Type {
				case v3.EventTypePut:
					key, val, err := transform(event.Kv)
					if err != nil {
						log.WithError(err).WithField("key", string(event.Kv.Key)).Warn("Invalid record, dropping")
						continue
					}

					tree[key] = val
				case v3.EventTypeDelete:
					if event.PrevKv == nil {
						continue
					}

					key, _, err := transform(event.PrevKv)
					if err != nil {
						continue
					}

					delete(tree, key)
				}
			}

			if !emit(tree) {
				return ctx.Err()
			}
		}

		return ctx.Err()
	}

	go func() {
		defer close(ch)

		_, err := retry.Retry(
			loop,
			retry.NonRetriableErrors(context.Canceled, context.DeadlineExceeded),
			func(attempts uint, err error) bool {
				log.WithError(err).WithField("attempts", attempts).Warn("Failure during watch loop, retrying")
				return true
			},
			retry.BackoffWithJitter(backoff.Constant(time.Second), 2*time.Second, 0.1),
		)
		log.WithError(err).Debug("Watch closed")
	}()

	return ch
}
