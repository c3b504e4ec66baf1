package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
	"github.com/fenilsonani/shmstm/pkg/shm"
)

// newReclaimCommand runs spec.md §8 scenario 5: allocate N garbage
// objects, overwrite every slot holding one so its refcount drops to
// zero and it lands in the epoch-tagged reclamation queue (§4.7), then
// confirm the queue actually drains. Run single-process: reclamation is
// about the allocator and the epoch mechanism, not concurrency, so there
// is no --workers/--mode here.
func newReclaimCommand() *cobra.Command {
	var objects int

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Garbage N objects and confirm the reclamation queue drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "shmbench-reclaim-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			log := zap.NewNop()
			sess, _, err := shm.Init(dir, "reclaim", 0, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer sess.Destroy()

			if err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
				list, err := types.NewList(tx, nil)
				if err != nil {
					return err
				}
				for i := 0; i < objects; i++ {
					v, err := types.NewInt(tx, int64(i))
					if err != nil {
						return err
					}
					if err := list.Append(tx, v.H); err != nil {
						return err
					}
				}
				return sess.Root().Put(tx, "garbage", list.H)
			}); err != nil {
				return fmt.Errorf("allocate: %w", err)
			}

			before := sess.ReclaimPending()

			// Overwriting every slot with a fresh scalar drops the old
			// element's refcount to zero (internal/types/refcount.go's
			// releaseElement) and enqueues it for reclamation.
			if err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
				h, ok, err := sess.Root().Get(tx, "garbage")
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("garbage list missing from root")
				}
				list := types.List{H: h}
				for i := 0; i < objects; i++ {
					v, err := types.NewInt(tx, 0)
					if err != nil {
						return err
					}
					if err := list.Set(tx, i, v.H); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return fmt.Errorf("garbage: %w", err)
			}

			queued := sess.ReclaimPending()
			stats := sess.SweepReclaimNow()
			after := sess.ReclaimPending()

			fmt.Printf("reclaim: %d objects, queue before=%d after-garbage=%d after-sweep=%d (swept %d, skipped %d)\n",
				objects, before, queued, after, stats.Swept, stats.Skipped)
			if after >= queued {
				return fmt.Errorf("reclaim: sweep made no progress, queue stayed at %d", after)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&objects, "objects", 1000, "number of objects to garbage and reclaim")
	return cmd
}
