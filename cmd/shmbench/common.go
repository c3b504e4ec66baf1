package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/shmstm/internal/shmerr"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/pkg/shm"
)

// Environment variables a re-exec'd worker process reads its assignment
// from — the equivalent of accounts.pso.py's subprocess.Popen(argv)
// hand-off, adapted to env vars since shmbench's subcommands already
// occupy argv.
const (
	envScenario    = "SHMBENCH_SCENARIO"
	envSegmentDir  = "SHMBENCH_SEGMENT_DIR"
	envSegmentName = "SHMBENCH_SEGMENT_NAME"
	envWorkerIndex = "SHMBENCH_WORKER_INDEX"
	envExtra       = "SHMBENCH_EXTRA"
)

// workerFunc is one participant's share of a scenario: connect to the
// already-created segment, do its work, report an error if anything went
// wrong. index distinguishes peers; extra carries scenario-specific
// parameters (transfer counts, item counts, ...).
type workerFunc func(ctx context.Context, sess *shm.Session, index int, extra []int) error

var workerRegistry = map[string]workerFunc{}

func registerWorker(scenario string, fn workerFunc) { workerRegistry[scenario] = fn }

// runHiddenWorker is the entry point for a re-exec'd child process: main
// checks envScenario before cobra ever parses argv, and if set, jumps
// straight here instead of building the command tree.
func runHiddenWorker(scenario string) {
	fn, ok := workerRegistry[scenario]
	if !ok {
		fmt.Fprintf(os.Stderr, "shmbench: unknown worker scenario %q\n", scenario)
		os.Exit(1)
	}
	idx, _ := strconv.Atoi(os.Getenv(envWorkerIndex))
	extra := parseExtra(os.Getenv(envExtra))

	sess, err := shm.Connect(os.Getenv(envSegmentDir), os.Getenv(envSegmentName), zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: worker connect: %v\n", err)
		os.Exit(1)
	}
	defer sess.Detach()

	if err := fn(context.Background(), sess, idx, extra); err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: worker %d: %v\n", idx, err)
		os.Exit(1)
	}
}

func parseExtra(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

func formatExtra(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// spawnWorkers runs n copies of the scenario's worker, either as
// goroutines sharing this process's address space (each still connecting
// its own Session, so it still claims its own participant-table slot) or
// as re-exec'd child processes — selected by the --mode process|goroutine
// flag every scenario command exposes. Process spawning is one of the
// blocking operations the suspension rule forbids inside a transaction
// (spec §4.5/§7), so this refuses to run while ctx carries one, the same
// guard types.Promise.Wait applies to promise.wait.
func spawnWorkers(ctx context.Context, scenario, mode, dir, name string, n int, extra []int, fn workerFunc) error {
	if txn.Active(ctx) {
		return shmerr.ErrBlockingInsideTransaction
	}
	if mode == "process" {
		return spawnProcessWorkers(scenario, dir, name, n, extra)
	}
	return spawnGoroutineWorkers(dir, name, n, extra, fn)
}

func spawnGoroutineWorkers(dir, name string, n int, extra []int, fn workerFunc) error {
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			sess, err := shm.Connect(dir, name, zap.NewNop())
			if err != nil {
				return fmt.Errorf("worker %d connect: %w", i, err)
			}
			defer sess.Detach()
			return fn(ctx, sess, i, extra)
		})
	}
	return g.Wait()
}

func spawnProcessWorkers(scenario, dir, name string, n int, extra []int) error {
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			cmd := exec.Command(os.Args[0])
			cmd.Env = append(os.Environ(),
				envScenario+"="+scenario,
				envSegmentDir+"="+dir,
				envSegmentName+"="+name,
				envWorkerIndex+"="+strconv.Itoa(i),
				envExtra+"="+formatExtra(extra),
			)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("worker %d process: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
