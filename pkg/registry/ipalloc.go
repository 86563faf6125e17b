package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// allocPhase orders the allocator's candidate sources.
type allocPhase int

const (
	phaseGap allocPhase = iota
	phaseFreed
	phaseDone
)

// allocation threads the state of one IP selection through its bounded
// retry loop. Candidates come gap-first: addresses never written are
// preferred, and only once the provision range has no gaps left does the
// allocator start reusing freed tombstones, oldest first.
type allocation struct {
	e   *Engine
	net *Network

	owner       string
	belongsType string
	belongsUUID string

	phase     allocPhase
	freed     []*IPRecord
	lastFreed *IPRecord
}

func (e *Engine) newAllocation(n *Network, owner, belongsType, belongsUUID string) *allocation {
	return &allocation{
		e:           e,
		net:         n,
		owner:       owner,
		belongsType: belongsType,
		belongsUUID: belongsUUID,
	}
}

// next produces the next candidate record and the precondition-checked op
// that would claim it. It returns ErrSubnetFull once both candidate sources
// are exhausted.
func (a *allocation) next(ctx context.Context) (*IPRecord, store.Op, error) {
	for {
		switch a.phase {
		case phaseGap:
			rec, op, err := a.nextGap(ctx)
			if err != nil {
				return nil, store.Op{}, err
			}
			if rec != nil {
				return rec, op, nil
			}
			if err := a.loadFreed(ctx); err != nil {
				return nil, store.Op{}, err
			}
			a.phase = phaseFreed
		case phaseFreed:
			rec, op := a.nextFreed()
			if rec != nil {
				return rec, op, nil
			}
			a.phase = phaseDone
		default:
			return nil, store.Op{}, &util.SubnetFullError{NetworkUUID: a.net.UUID}
		}
	}
}

// nextGap scans the provision range for the first absent address. The
// sentinel records at provision_start-1 and provision_end+1 anchor the scan
// so gaps at either edge of the range are visible.
func (a *allocation) nextGap(ctx context.Context) (*IPRecord, store.Op, error) {
	lo, err := addr.Offset(a.net.ProvisionStart, -1)
	if err != nil {
		lo = a.net.ProvisionStart
	}
	hi, err := addr.Offset(a.net.ProvisionEnd, 1)
	if err != nil {
		hi = a.net.ProvisionEnd
	}
	gap, err := a.e.store.GapScan(ctx, IPBucket(a.net.UUID), addr.SortKey(lo), addr.SortKey(hi), 1)
	if err != nil {
		return nil, store.Op{}, fmt.Errorf("gap scan on %s: %w", a.net.UUID, err)
	}
	if gap == nil {
		return nil, store.Op{}, nil
	}
	candidate, err := addr.FromSortKey(gap.Start)
	if err != nil {
		return nil, store.Op{}, fmt.Errorf("gap scan on %s returned bad key %q: %w", a.net.UUID, gap.Start, err)
	}
	if !a.net.InProvisionRange(candidate) {
		return nil, store.Op{}, nil
	}
	rec := a.claimed(candidate)
	op := store.Op{
		Bucket:  IPBucket(a.net.UUID),
		Key:     candidate.String(),
		SortKey: addr.SortKey(candidate),
		Value:   encode(rec),
		Precond: store.CreateOnly(),
	}
	return rec, op, nil
}

// loadFreed queries the freed tombstones inside the provision range once,
// oldest modification first. Lost races just advance down the queue.
func (a *allocation) loadFreed(ctx context.Context) error {
	recs, err := store.Find(ctx, a.e.store, IPBucket(a.net.UUID), nil, store.FindOpts{Sort: store.SortByMtime})
	if err != nil {
		return fmt.Errorf("listing freed IPs on %s: %w", a.net.UUID, err)
	}
	for i := range recs {
		ip := &IPRecord{}
		if err := decode(&recs[i], ip); err != nil {
			return err
		}
		if ip.Free() && a.net.InProvisionRange(ip.Address) {
			a.freed = append(a.freed, ip)
		}
	}
	return nil
}

func (a *allocation) nextFreed() (*IPRecord, store.Op) {
	if len(a.freed) == 0 {
		return nil, store.Op{}
	}
	prev := a.freed[0]
	a.freed = a.freed[1:]
	a.lastFreed = prev

	rec := a.claimed(prev.Address)
	op := store.Op{
		Bucket:  IPBucket(a.net.UUID),
		Key:     prev.Address.String(),
		SortKey: addr.SortKey(prev.Address),
		Value:   encode(rec),
		Precond: store.MatchEtag(prev.Etag),
	}
	return rec, op
}

// requeue puts the last freed candidate back at the head of the queue.
// Used when a compound batch failed on some other record: the address
// itself was never contested, so the next attempt proposes it again. Gap
// candidates need no requeue, the scan rediscovers them.
func (a *allocation) requeue() {
	if a.lastFreed != nil {
		a.freed = append([]*IPRecord{a.lastFreed}, a.freed...)
		a.lastFreed = nil
	}
}

func (a *allocation) claimed(ip netip.Addr) *IPRecord {
	return &IPRecord{
		Address:       ip,
		NetworkUUID:   a.net.UUID,
		BelongsToType: a.belongsType,
		BelongsToUUID: a.belongsUUID,
		OwnerUUID:     a.owner,
	}
}

// ownBucket reports whether a batch conflict landed on this allocation's IP
// bucket. Only those conflicts consume the allocator's retry budget; a
// conflict on any other record in a compound batch is not the allocator's
// race to lose.
func (a *allocation) ownBucket(err error) bool {
	var conflict *util.ConflictError
	return errors.As(err, &conflict) && conflict.Bucket == IPBucket(a.net.UUID).Name
}

// AllocateIP claims a free address on the network for the given owner and
// belongs-to. The attempt loop is strictly bounded: at most IPRetries lost
// races against other allocators before giving up.
func (e *Engine) AllocateIP(ctx context.Context, n *Network, owner, belongsType, belongsUUID string) (*IPRecord, error) {
	a := e.newAllocation(n, owner, belongsType, belongsUUID)
	for tries := 0; tries < e.cfg.IPRetries; tries++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, op, err := a.next(ctx)
		if err != nil {
			return nil, err
		}
		err = e.store.Batch(ctx, []store.Op{op})
		if err == nil {
			return e.GetIP(ctx, n, rec.Address)
		}
		if !a.ownBucket(err) {
			return nil, err
		}
		util.WithNetwork(n.UUID).WithField("ip", rec.Address.String()).Debug("lost allocation race, retrying")
	}
	return nil, &util.SubnetFullError{NetworkUUID: n.UUID}
}

// ipOpForAddress builds the claiming op for an explicitly requested address.
// A missing record becomes a create; a free or reserved-but-unassigned
// record becomes an etag-checked update that keeps the reserved flag. An
// address already assigned fails with a UsedBy field error.
func (e *Engine) ipOpForAddress(ctx context.Context, n *Network, ip netip.Addr, owner, belongsType, belongsUUID string) (*IPRecord, store.Op, error) {
	if !n.Subnet.Contains(ip) {
		return nil, store.Op{}, util.NewInvalidParamsError(
			util.InvalidParam("ip", fmt.Sprintf("ip is not in subnet %s", n.Subnet)))
	}
	rec := &IPRecord{
		Address:       ip,
		NetworkUUID:   n.UUID,
		BelongsToType: belongsType,
		BelongsToUUID: belongsUUID,
		OwnerUUID:     owner,
	}
	op := store.Op{
		Bucket:  IPBucket(n.UUID),
		Key:     ip.String(),
		SortKey: addr.SortKey(ip),
	}

	cur, err := e.GetIP(ctx, n, ip)
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			return nil, store.Op{}, err
		}
		op.Value = encode(rec)
		op.Precond = store.CreateOnly()
		return rec, op, nil
	}
	if cur.BelongsToUUID != "" {
		return nil, store.Op{}, util.NewInvalidParamsError(util.FieldError{
			Field:   "ip",
			Code:    util.CodeUsedBy,
			Message: fmt.Sprintf("IP in use by %s %s", cur.BelongsToType, cur.BelongsToUUID),
			UsedBy:  []util.UsedBy{{Type: cur.BelongsToType, UUID: cur.BelongsToUUID}},
		})
	}
	rec.Reserved = cur.Reserved
	op.Value = encode(rec)
	op.Precond = store.MatchEtag(cur.Etag)
	return rec, op, nil
}

// freeIPOp builds the op that releases an address back to the freed pool,
// conditioned on the record still belonging to the releasing NIC. Returns a
// zero op when the record has already moved on.
func (e *Engine) freeIPOp(ctx context.Context, networkUUID string, ip netip.Addr, belongsUUID string) (*store.Op, error) {
	n, err := e.GetNetwork(ctx, networkUUID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	cur, err := e.GetIP(ctx, n, ip)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cur.BelongsToUUID != belongsUUID {
		return nil, nil
	}
	freed := &IPRecord{
		Address:     ip,
		NetworkUUID: n.UUID,
		Reserved:    cur.Reserved,
	}
	return &store.Op{
		Bucket:  IPBucket(n.UUID),
		Key:     ip.String(),
		SortKey: addr.SortKey(ip),
		Value:   encode(freed),
		Precond: store.MatchEtag(cur.Etag),
	}, nil
}

// GetIP fetches one address record on a network.
func (e *Engine) GetIP(ctx context.Context, n *Network, ip netip.Addr) (*IPRecord, error) {
	rec, err := e.store.Get(ctx, IPBucket(n.UUID), ip.String())
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("IP", ip.String())
		}
		return nil, err
	}
	out := &IPRecord{}
	if err := decode(rec, out); err != nil {
		return nil, err
	}
	return out, nil
}
