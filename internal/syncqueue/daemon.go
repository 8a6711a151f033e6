package syncqueue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/speckitty/speckitty/internal/log"
)

// Daemon intervals. Healthy cycles poll at the base interval; the first
// failure waits a doubled base and each further failure doubles again,
// capped at the max.
const (
	BaseInterval = 500 * time.Millisecond
	MaxInterval  = 30 * time.Second
)

// Daemon periodically drains the offline queue in the background.
type Daemon struct {
	client    *Client
	queue     *Queue
	batchSize int
	syncNow   chan chan error
}

// NewDaemon builds a background sync daemon.
func NewDaemon(client *Client, queue *Queue, batchSize int) *Daemon {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Daemon{
		client:    client,
		queue:     queue,
		batchSize: batchSize,
		syncNow:   make(chan chan error),
	}
}

// newBackOff builds the failure schedule: the first failed cycle already
// waits a doubled base interval, and each further failure doubles again up
// to the max.
func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * BaseInterval
	bo.MaxInterval = MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run loops until ctx is canceled, syncing on a timer with exponential
// backoff on failure.
func (d *Daemon) Run(ctx context.Context) {
	bo := newBackOff()

	timer := time.NewTimer(BaseInterval)
	defer timer.Stop()

	log.Info(log.CatSync, "Sync daemon started", "base", BaseInterval, "max", MaxInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSync, "Sync daemon stopped")
			return
		case reply := <-d.syncNow:
			reply <- d.drainAll(ctx)
			bo.Reset()
			timer.Reset(BaseInterval)
		case <-timer.C:
			if err := d.cycle(ctx); err != nil {
				next := bo.NextBackOff()
				log.Warn(log.CatSync, "Sync cycle failed; backing off", "error", err, "next", next)
				timer.Reset(next)
				continue
			}
			bo.Reset()
			timer.Reset(BaseInterval)
		}
	}
}

func (d *Daemon) cycle(ctx context.Context) error {
	_, err := d.client.SyncBatch(ctx, d.queue, d.batchSize)
	return err
}

// drainAll syncs batches until the queue is empty or a cycle fails.
func (d *Daemon) drainAll(ctx context.Context) error {
	for {
		res, err := d.client.SyncBatch(ctx, d.queue, d.batchSize)
		if err != nil {
			return err
		}
		if res.Remaining == 0 || (res.Delivered == 0 && res.Retried == 0) {
			return nil
		}
	}
}

// SyncNow flushes everything the daemon can deliver before returning. It
// must only be called while Run is active.
func (d *Daemon) SyncNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case d.syncNow <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
