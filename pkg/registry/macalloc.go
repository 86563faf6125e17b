package registry

import (
	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
)

// nextMAC draws a candidate MAC under the configured OUI. Collisions inside
// the 24-bit host space surface as create conflicts on the NIC bucket and
// are retried by the provision loop, bounded by MACRetries.
func (e *Engine) nextMAC() addr.MAC {
	return addr.MACFromOUI(e.cfg.OUI, e.nextMACHost())
}

// createNICOp builds the create-only op registering a NIC record. The MAC is
// the record key, so the create precondition is the uniqueness check.
func createNICOp(n *NIC) store.Op {
	return store.Op{
		Bucket:  NICsBucket,
		Key:     n.Key(),
		SortKey: nicSortKey(n.MAC),
		Value:   encode(n),
		Precond: store.CreateOnly(),
	}
}
