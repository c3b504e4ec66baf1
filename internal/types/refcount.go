package types

import (
	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

// retainElement and releaseElement stage a refcount delta on the owning
// transaction rather than mutating the live header immediately: the
// container's own structural write (the length, the slot) already goes
// through the normal write log and only takes effect on commit, so the
// element refcount that write implies has to take effect at exactly the
// same moment, not sooner. Applying it sooner let an aborted transaction
// permanently drop an element's refcount - and hand it to the
// reclamation queue - before the transaction's own write was ever
// validated, racing a real free against a container whose committed
// state still pointed at the element. Engine.Commit applies every staged
// delta once commit has actually succeeded; Engine.Rollback and
// Engine.RollbackRetaining discard them untouched (spec §8: no observable
// state change on an aborted transaction).
func retainElement(tx *txn.Tx, h handle.Handle) {
	tx.StageRefDelta(h, 1)
}

func releaseElement(tx *txn.Tx, h handle.Handle) {
	tx.StageRefDelta(h, -1)
}
