package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
	"github.com/fenilsonani/shmstm/pkg/shm"
)

const scenarioQueue = "queue"

func init() {
	registerWorker(scenarioQueue, queueProducer)
}

// newQueueCommand runs spec.md §8 scenario 2: P producers push items onto
// a shared queue; a consumer (run in the parent) pops them off, blocking
// on a promise when the queue runs dry, using the promise re-creation
// pattern recovered from original_source/'s producer_consumer.py
// (SPEC_FULL §7: a promise is single-shot, so the consumer replaces its
// promise handle after each wait).
func newQueueCommand() *cobra.Command {
	var producers, itemsPerProducer int
	var mode string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Producer/consumer queue with promise wake-up, seed test",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "shmbench-queue-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			log := zap.NewNop()
			sess, name, err := shm.Init(dir, "queue", 0, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer sess.Destroy()

			if err := setupQueue(sess); err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			want := producers * itemsPerProducer
			consumeDone := make(chan error, 1)
			go func() { consumeDone <- consumeQueue(sess, want) }()

			start := time.Now()
			if err := spawnWorkers(context.Background(), scenarioQueue, mode, dir, name, producers, []int{itemsPerProducer}, queueProducer); err != nil {
				return fmt.Errorf("producers: %w", err)
			}

			if err := <-consumeDone; err != nil {
				return fmt.Errorf("consumer: %w", err)
			}
			fmt.Printf("queue: %d producers x %d items consumed in %s\n", producers, itemsPerProducer, time.Since(start))
			return nil
		},
	}

	cmd.Flags().IntVar(&producers, "producers", 4, "number of concurrent producers")
	cmd.Flags().IntVar(&itemsPerProducer, "items", 100, "items pushed per producer")
	cmd.Flags().StringVar(&mode, "mode", "goroutine", "process|goroutine")
	return cmd
}

func setupQueue(sess *shm.Session) error {
	return sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		list, err := types.NewList(tx, nil)
		if err != nil {
			return err
		}
		if err := sess.Root().Put(tx, "queue", list.H); err != nil {
			return err
		}
		return newQueuePromise(sess, tx)
	})
}

func newQueuePromise(sess *shm.Session, tx *txn.Tx) error {
	p, err := types.NewPromise(tx)
	if err != nil {
		return err
	}
	return sess.Root().Put(tx, "queue_notify", p.H)
}

func queueProducer(ctx context.Context, sess *shm.Session, index int, extra []int) error {
	items := extra[0]
	for i := 0; i < items; i++ {
		err := sess.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			h, ok, err := sess.Root().Get(tx, "queue")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("queue list missing from root")
			}
			list := types.List{H: h}
			v, err := types.NewInt(tx, int64(index*1_000_000+i))
			if err != nil {
				return err
			}
			return list.Append(tx, v.H)
		})
		if err != nil {
			return err
		}
		// Signal is non-transactional (spec §4.4) and best done just after
		// commit, once the append is actually visible to other participants.
		if err := signalQueueNotify(sess); err != nil {
			return err
		}
	}
	return nil
}

func signalQueueNotify(sess *shm.Session) error {
	var ph handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		h, ok, err := sess.Root().Get(tx, "queue_notify")
		if err != nil {
			return err
		}
		if ok {
			ph = h
		}
		return nil
	})
	if err != nil || ph == handle.Nil {
		return err
	}
	sess.SignalPromise(types.Promise{H: ph}, handle.Nil)
	return nil
}

func consumeQueue(sess *shm.Session, want int) error {
	consumed := 0
	for consumed < want {
		popped, err := tryPopAll(sess)
		if err != nil {
			return err
		}
		consumed += popped
		if popped == 0 {
			if err := waitAndReplaceNotify(sess); err != nil {
				return err
			}
		}
	}
	return nil
}

func tryPopAll(sess *shm.Session) (int, error) {
	n := 0
	for {
		popped, err := popOne(sess)
		if err != nil {
			return n, err
		}
		if !popped {
			return n, nil
		}
		n++
	}
}

func popOne(sess *shm.Session) (bool, error) {
	var ok bool
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		h, has, err := sess.Root().Get(tx, "queue")
		if err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("queue list missing from root")
		}
		list := types.List{H: h}
		length, err := list.Len(tx)
		if err != nil {
			return err
		}
		if length == 0 {
			ok = false
			return nil
		}
		_, err = list.PopFront(tx)
		ok = err == nil
		return err
	})
	return ok, err
}

func waitAndReplaceNotify(sess *shm.Session) error {
	var ph handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		h, ok, err := sess.Root().Get(tx, "queue_notify")
		if err != nil {
			return err
		}
		if ok {
			ph = h
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ph != handle.Nil {
		if _, _, err := sess.WaitPromise(context.Background(), types.Promise{H: ph}, 2*time.Second); err != nil {
			return err
		}
	}
	// A promise is single-shot (spec §4.4): replace it so the next empty
	// wait blocks on a fresh one, per the producer_consumer.py pattern
	// (SPEC_FULL §7).
	return sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		return newQueuePromise(sess, tx)
	})
}
