package main

import (
	"context"
	"encoding/binary"
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

const scenarioContend = "contend"

func init() {
	registerWorker(scenarioContend, contendWorker)
}

// newContendCommand forces every worker to hammer the same single cell
// (spec.md §8 scenario 4): with no randomized key space to spread writes
// across, almost every commit races at least one peer, so the cell's
// write-conflict counter (GetContentionCount, spec §6) should come out well
// above zero. Each worker both reads and writes the cell, so its conflicts
// are counted as write conflicts and the read-conflict counter stays at
// zero. This is a diagnostic scenario, not a correctness one — it
// exists to exercise the header's atomic contention counters and the
// commit protocol's validate-then-retry loop under deliberate pressure.
func newContendCommand() *cobra.Command {
	var workers, increments int
	var mode string

	cmd := &cobra.Command{
		Use:   "contend",
		Short: "Hammer a single cell from every worker and report contention",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "shmbench-contend-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			log := zap.NewNop()
			sess, name, err := shm.Init(dir, "contend", 0, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer sess.Destroy()

			var h handle.Handle
			err = sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
				v, err := types.NewInt(tx, 0)
				if err != nil {
					return err
				}
				if err := sess.Root().Put(tx, "cell", v.H); err != nil {
					return err
				}
				h = v.H
				return nil
			})
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			// Every commit below re-reads and re-writes this same handle in
			// place (not a root lookup each time), so contention accrues on
			// the one object header GetContentionCount checks afterward.
			extra := []int{increments, int(h)}
			start := time.Now()
			err = spawnWorkers(context.Background(), scenarioContend, mode, dir, name, workers, extra, contendWorker)
			if err != nil {
				return fmt.Errorf("workers: %w", err)
			}

			reads, writes := sess.GetContentionCount(h)
			fmt.Printf("contend: %d workers x %d commits on one cell in %s\n", workers, increments, time.Since(start))
			fmt.Printf("contend: read-conflicts=%d write-conflicts=%d\n", reads, writes)
			if writes == 0 && workers > 1 {
				return fmt.Errorf("contend: expected write contention with %d workers sharing one cell, saw none", workers)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 8, "number of concurrent workers")
	cmd.Flags().IntVar(&increments, "increments", 500, "commits per worker")
	cmd.Flags().StringVar(&mode, "mode", "goroutine", "process|goroutine")
	return cmd
}

func contendWorker(ctx context.Context, sess *shm.Session, index int, extra []int) error {
	increments := extra[0]
	h := handle.Handle(extra[1])
	for i := 0; i < increments; i++ {
		err := sess.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			cur, err := (types.ShmValue{H: h}).Int(tx)
			if err != nil {
				return err
			}
			buf := make([]byte, 9)
			buf[0] = byte(types.KindInt)
			binary.LittleEndian.PutUint64(buf[1:], uint64(cur+1))
			tx.Write(h, buf, uint32(handle.TagScalar))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
