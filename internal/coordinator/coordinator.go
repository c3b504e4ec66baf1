// Package coordinator owns a segment's metadata page on behalf of one
// attached process: the participant table slot this process claims, the
// root map handle, and (in the creator process only) the reaper that
// detects and releases dead participants. It plays the role the spec
// assigns to "the coordinator" (§4.2), generalized from the teacher's
// Repository.Init/Open pair in pkg/vcs/repository.go: the same
// create-or-attach-with-a-named-resource shape, now over a shared-memory
// segment instead of a .git directory.
package coordinator

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/hyperdrive"
	"github.com/fenilsonani/shmstm/internal/segment"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
)

// Coordinator is this process's view of an attached segment.
type Coordinator struct {
	seg     *segment.Segment
	dir     string
	engine  *txn.Engine
	self    *segment.ParticipantEntry
	log     *zap.Logger
	creator bool

	stopReaper context.CancelFunc
}

// Init creates a new named segment, becomes its coordinator, constructs
// the root map, and returns a connectable name (spec §6 init()). The
// reaper only ever runs in this, the creator, process.
func Init(dir, name string, size uint64, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if size == 0 {
		size = segment.DefaultSize
	}

	seg, err := segment.Create(dir, name, size)
	if err != nil {
		return nil, fmt.Errorf("coordinator: init: %w", err)
	}
	log.Debug("numa topology", zap.Any("nodes", hyperdrive.DetectTopology()))

	c := &Coordinator{seg: seg, dir: dir, log: log, creator: true}

	self, err := claimSlot(seg)
	if err != nil {
		seg.Destroy(dir)
		return nil, err
	}
	c.self = self
	c.engine = txn.NewEngine(seg, self, log)
	c.engine.SetReclaimHook(func() { c.SweepReclaimNow() })

	var root types.Map
	err = c.engine.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		m, err := types.NewMap(tx, 16)
		if err != nil {
			return err
		}
		tx.Segment().Header(m.H).IncRef() // pinned for the segment's lifetime, spec §3
		root = m
		return nil
	})
	if err != nil {
		seg.Destroy(dir)
		return nil, fmt.Errorf("coordinator: init root map: %w", err)
	}
	seg.Superblock().RootHandle.Store(uint64(root.H))

	c.startReaper()
	return c, nil
}

// Connect attaches this process to an existing segment (spec §6
// connect()). It fails with shmerr.ErrNotFound / ErrVersionMismatch, as
// returned by segment.Attach.
func Connect(dir, name string, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	seg, err := segment.Attach(dir, name)
	if err != nil {
		return nil, fmt.Errorf("coordinator: connect: %w", err)
	}

	c := &Coordinator{seg: seg, dir: dir, log: log}
	self, err := claimSlot(seg)
	if err != nil {
		seg.Close()
		return nil, err
	}
	c.self = self
	c.engine = txn.NewEngine(seg, self, log)
	c.engine.SetReclaimHook(func() { c.SweepReclaimNow() })
	return c, nil
}

func claimSlot(seg *segment.Segment) (*segment.ParticipantEntry, error) {
	sb := seg.Superblock()
	pid := uint32(os.Getpid())
	for i := range sb.Participants {
		slot := &sb.Participants[i]
		if slot.PID.CompareAndSwap(0, pid) {
			slot.Epoch.Store(seg.CurrentEpoch())
			slot.Flags.Store(segment.ParticipantAlive)
			sb.ParticipantCount.Add(1)
			return slot, nil
		}
	}
	return nil, fmt.Errorf("coordinator: participant table full (max %d)", segment.MaxParticipants)
}

// Detach releases this process's participant slot and unmaps the
// segment. The creator's Detach also stops the reaper; it does not
// destroy the segment — callers that own the segment's lifetime call
// Destroy explicitly.
func (c *Coordinator) Detach() error {
	if c.stopReaper != nil {
		c.stopReaper()
	}
	if c.self != nil {
		c.self.PID.Store(0)
		c.seg.Superblock().ParticipantCount.Add(^uint32(0))
	}
	return c.seg.Close()
}

// Destroy unmaps and removes the backing segment file. Only the creator
// should call this, after every other participant has detached.
func (c *Coordinator) Destroy() error {
	if c.stopReaper != nil {
		c.stopReaper()
	}
	return c.seg.Destroy(c.dir)
}

// Engine returns the transaction engine bound to this process's
// participant slot.
func (c *Coordinator) Engine() *txn.Engine { return c.engine }

// Segment returns the underlying segment.
func (c *Coordinator) Segment() *segment.Segment { return c.seg }

// Root returns the top-level shared map (spec §6 root()).
func (c *Coordinator) Root() types.Map {
	return types.Map{H: handle.Handle(c.seg.Superblock().RootHandle.Load())}
}

// ParticipantCount returns the number of currently attached participants.
func (c *Coordinator) ParticipantCount() int {
	return int(c.seg.Superblock().ParticipantCount.Load())
}

// ObjectDebugStopOnContention arms h's debug-on-contention flag (spec
// §6): the next conflict the commit protocol records against h invokes
// the engine's debug-stop hook.
func (c *Coordinator) ObjectDebugStopOnContention(h handle.Handle) {
	c.seg.Header(h).ArmDebugStopOnContention()
}

// SetRandomFlinch forwards to the engine's debug knob (spec §6).
func (c *Coordinator) SetRandomFlinch(on bool) { c.engine.SetRandomFlinch(on) }
