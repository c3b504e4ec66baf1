package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/reclaim"
	"github.com/fenilsonani/shmstm/internal/segment"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
)

// ReaperInterval is the grace period between liveness sweeps (spec §4.2).
// A participant whose heartbeat epoch hasn't advanced across
// deadAfterTicks consecutive sweeps is declared dead.
const (
	ReaperInterval = 2 * time.Second
	deadAfterTicks = 3
)

// startReaper launches the creator process's reaper goroutine, managed
// by an errgroup so a panic or future extension that returns an error
// tears the whole background group down together — the pattern the rest
// of the pack (go-ethereum, aistore) uses for long-running worker
// lifecycles, adopted here since the teacher has no goroutine-lifecycle
// library of its own.
func (c *Coordinator) startReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopReaper = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.runReaper(gctx)
		return nil
	})
}

func (c *Coordinator) runReaper(ctx context.Context) {
	lastEpoch := make(map[int]uint64)
	staleTicks := make(map[int]int)

	ticker := time.NewTicker(ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(lastEpoch, staleTicks)
		}
	}
}

func (c *Coordinator) sweepOnce(lastEpoch map[int]uint64, staleTicks map[int]int) {
	sb := c.seg.Superblock()
	var deadPIDs []int
	minEpoch := c.seg.CurrentEpoch()
	anyAlive := false

	for i := range sb.Participants {
		slot := &sb.Participants[i]
		pid := int(slot.PID.Load())
		if pid == 0 {
			delete(lastEpoch, i)
			delete(staleTicks, i)
			continue
		}
		if slot.Flags.Load()&segment.ParticipantDead != 0 {
			continue
		}

		epoch := slot.Epoch.Load()
		if prev, ok := lastEpoch[i]; ok && prev == epoch {
			staleTicks[i]++
		} else {
			staleTicks[i] = 0
		}
		lastEpoch[i] = epoch

		if staleTicks[i] >= deadAfterTicks {
			slot.Flags.Store(segment.ParticipantDead)
			deadPIDs = append(deadPIDs, pid)
			c.log.Warn("participant declared dead", zap.Int("pid", pid))
			continue
		}

		anyAlive = true
		if epoch < minEpoch {
			minEpoch = epoch
		}
	}

	if len(deadPIDs) > 0 {
		released := releaseLocksHeldBy(c.seg, deadPIDs)
		c.log.Warn("released locks from dead participants", zap.Int("count", released))
	}

	if !anyAlive {
		minEpoch = c.seg.CurrentEpoch()
	}

	st := reclaim.Sweep(c.seg, minEpoch)
	if st.Swept > 0 {
		c.log.Debug("reclamation sweep", zap.Int("swept", st.Swept), zap.Int("pending", st.Skipped))
	}
}

// minActiveEpoch returns the lowest heartbeat epoch among participants not
// marked dead, or the segment's current epoch if none are alive. Used by
// SweepReclaimNow and so by the debug-synchronous reclaim hook
// (SetDebugSynchronousReclaim, SPEC_FULL §7). The interval-driven sweepOnce
// computes the same minimum inline, during its own liveness pass.
func (c *Coordinator) minActiveEpoch() uint64 {
	sb := c.seg.Superblock()
	minEpoch := c.seg.CurrentEpoch()
	anyAlive := false
	for i := range sb.Participants {
		slot := &sb.Participants[i]
		if slot.PID.Load() == 0 || slot.Flags.Load()&segment.ParticipantDead != 0 {
			continue
		}
		anyAlive = true
		if epoch := slot.Epoch.Load(); epoch < minEpoch {
			minEpoch = epoch
		}
	}
	if !anyAlive {
		return c.seg.CurrentEpoch()
	}
	return minEpoch
}

// SweepReclaimNow runs one reclamation pass immediately, using the current
// liveness snapshot rather than waiting for the reaper's next tick. Wired
// as the engine's reclaim hook so set_debug_reclaimer (SPEC_FULL §7) makes
// every commit's reclamation visible synchronously instead of up to one
// ReaperInterval later.
func (c *Coordinator) SweepReclaimNow() reclaim.Stats {
	return reclaim.Sweep(c.seg, c.minActiveEpoch())
}

// releaseLocksHeldBy walks the object graph reachable from the root and
// force-unlocks any header write-locked by one of the given dead pids
// (spec §8 scenario 6: a lock held by a killed peer must become
// acquirable again within one reaper interval). This is the "diagnostic
// tool that walks the reachable graph from the root" the spec mentions
// as a worthwhile adjunct (§9), repurposed here for crash recovery
// instead of leak detection.
func releaseLocksHeldBy(seg *segment.Segment, deadPIDs []int) int {
	dead := make(map[int]bool, len(deadPIDs))
	for _, p := range deadPIDs {
		dead[p] = true
	}

	root := handle.Handle(seg.Superblock().RootHandle.Load())
	if root == handle.Nil {
		return 0
	}

	released := 0
	visited := make(map[handle.Handle]bool)
	walk(seg, root, visited, func(h handle.Handle) {
		hdr := seg.Header(h)
		if !hdr.IsWriteLocked() {
			return
		}
		if dead[txn.OwnerPID(hdr.LockedBy())] {
			hdr.UnlockWrite()
			released++
		}
	})
	return released
}

// walk performs a depth-first traversal of the reachable object graph,
// invoking visit on every handle exactly once. A visited set guards
// against the accidental cycles the spec assumes application code never
// builds (§1 Non-goals: no cycle GC) but which a half-built structure
// mid-crash might still contain.
func walk(seg *segment.Segment, h handle.Handle, visited map[handle.Handle]bool, visit func(handle.Handle)) {
	if h == handle.Nil || h == handle.Sentinel || visited[h] {
		return
	}
	visited[h] = true
	visit(h)

	hdr := seg.Header(h)
	switch handle.Tag(hdr.Tag) {
	case handle.TagList:
		for _, child := range types.ListChildren(seg, h) {
			walk(seg, child, visited, visit)
		}
	case handle.TagMap:
		for _, child := range types.MapChildren(seg, h) {
			walk(seg, child, visited, visit)
		}
	case handle.TagTuple:
		for _, child := range types.TupleChildren(seg, h) {
			walk(seg, child, visited, visit)
		}
	case handle.TagObject:
		for _, child := range types.ObjectChildren(seg, h) {
			walk(seg, child, visited, visit)
		}
	}
}
