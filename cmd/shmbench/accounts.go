package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
	"github.com/fenilsonani/shmstm/pkg/shm"
)

const scenarioAccounts = "accounts"
const initialBalance = 1000

func init() {
	registerWorker(scenarioAccounts, accountsWorker)
}

// newAccountsCommand runs spec.md §8 scenario 1: W worker
// processes/goroutines repeatedly transfer between random pairs of
// accounts held in a shared list; afterward the total balance must equal
// what it started as, proving the transfer transactions never tore.
func newAccountsCommand() *cobra.Command {
	var workers, accountCount, transfers int
	var mode string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Concurrent account transfers, conservation-of-balance seed test",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "shmbench-accounts-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			log := zap.NewNop()
			sess, name, err := shm.Init(dir, "accounts", 0, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer sess.Destroy()

			if err := setupAccounts(sess, accountCount); err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			start := time.Now()
			err = spawnWorkers(context.Background(), scenarioAccounts, mode, dir, name, workers, []int{accountCount, transfers}, accountsWorker)
			if err != nil {
				return fmt.Errorf("workers: %w", err)
			}

			total, err := sumAccounts(sess, accountCount)
			if err != nil {
				return fmt.Errorf("sum: %w", err)
			}
			want := int64(accountCount) * initialBalance
			fmt.Printf("accounts: %d workers x %d transfers in %s, total=%d (want %d)\n",
				workers, transfers, time.Since(start), total, want)
			if total != want {
				return fmt.Errorf("conservation violated: got %d, want %d", total, want)
			}
			fmt.Println("accounts: OK, balance conserved")
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent workers")
	cmd.Flags().IntVar(&accountCount, "accounts", 16, "number of accounts")
	cmd.Flags().IntVar(&transfers, "transfers", 1000, "transfers per worker")
	cmd.Flags().StringVar(&mode, "mode", "goroutine", "process|goroutine")
	return cmd
}

func setupAccounts(sess *shm.Session, accountCount int) error {
	return sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		elems := make([]handle.Handle, accountCount)
		for i := range elems {
			v, err := types.NewInt(tx, initialBalance)
			if err != nil {
				return err
			}
			elems[i] = v.H
		}
		list, err := types.NewList(tx, elems)
		if err != nil {
			return err
		}
		return sess.Root().Put(tx, "accounts", list.H)
	})
}

func sumAccounts(sess *shm.Session, accountCount int) (int64, error) {
	var total int64
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		total = 0
		h, ok, err := sess.Root().Get(tx, "accounts")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("accounts list missing from root")
		}
		list := types.List{H: h}
		for i := 0; i < accountCount; i++ {
			eh, err := list.Get(tx, i)
			if err != nil {
				return err
			}
			bal, err := (types.ShmValue{H: eh}).Int(tx)
			if err != nil {
				return err
			}
			total += bal
		}
		return nil
	})
	return total, err
}

func accountsWorker(ctx context.Context, sess *shm.Session, index int, extra []int) error {
	accountCount, transfers := extra[0], extra[1]
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(index)))

	for i := 0; i < transfers; i++ {
		err := sess.Do(ctx, func(ctx context.Context, tx *txn.Tx) error {
			src := rng.Intn(accountCount)
			dst := rng.Intn(accountCount)
			if src == dst {
				return nil
			}
			amount := int64(1 + rng.Intn(10))

			h, ok, err := sess.Root().Get(tx, "accounts")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("accounts list missing")
			}
			list := types.List{H: h}

			srcH, err := list.Get(tx, src)
			if err != nil {
				return err
			}
			srcBal, err := (types.ShmValue{H: srcH}).Int(tx)
			if err != nil {
				return err
			}
			if srcBal < amount {
				return nil
			}
			dstH, err := list.Get(tx, dst)
			if err != nil {
				return err
			}
			dstBal, err := (types.ShmValue{H: dstH}).Int(tx)
			if err != nil {
				return err
			}

			newSrc, err := types.NewInt(tx, srcBal-amount)
			if err != nil {
				return err
			}
			newDst, err := types.NewInt(tx, dstBal+amount)
			if err != nil {
				return err
			}
			if err := list.Set(tx, src, newSrc.H); err != nil {
				return err
			}
			return list.Set(tx, dst, newDst.H)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
