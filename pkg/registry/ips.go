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

// ListIPs returns the network's IP records in address order. Records are
// written lazily, so an address with no record yet simply does not appear.
func (e *Engine) ListIPs(ctx context.Context, n *Network, limit, offset int) ([]*IPRecord, error) {
	recs, err := e.store.List(ctx, IPBucket(n.UUID), store.ListOpts{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]*IPRecord, 0, len(recs))
	for i := range recs {
		rec := &IPRecord{}
		if err := decode(&recs[i], rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetIPOrImplied fetches an address record, synthesizing a free one for
// addresses inside the subnet that have never been written.
func (e *Engine) GetIPOrImplied(ctx context.Context, n *Network, ip netip.Addr) (*IPRecord, error) {
	if !n.Subnet.Contains(ip) {
		return nil, util.NewInvalidParamsError(
			util.InvalidParam("ip", fmt.Sprintf("ip is not in subnet %s", n.Subnet)))
	}
	rec, err := e.GetIP(ctx, n, ip)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, util.ErrNotFound) {
		return nil, err
	}
	return &IPRecord{Address: ip, NetworkUUID: n.UUID}, nil
}

// UpdateIPParams are the mutable address record fields. Unassign clears
// the belongs-to fields, returning the address to the freed pool.
type UpdateIPParams struct {
	Reserved      *bool
	BelongsToType *string
	BelongsToUUID *string
	OwnerUUID     *string
	Unassign      bool

	IfMatch string
}

// UpdateIP writes an address record in place, creating it if it was never
// written. Reservation and ownership changes go through here; allocation
// goes through the NIC engine.
func (e *Engine) UpdateIP(ctx context.Context, n *Network, ip netip.Addr, p UpdateIPParams) (*IPRecord, error) {
	if !n.Subnet.Contains(ip) {
		return nil, util.NewInvalidParamsError(
			util.InvalidParam("ip", fmt.Sprintf("ip is not in subnet %s", n.Subnet)))
	}
	for attempt := 0; ; attempt++ {
		rec, err := e.GetIP(ctx, n, ip)
		pre := store.CreateOnly()
		if err != nil {
			if !errors.Is(err, util.ErrNotFound) {
				return nil, err
			}
			rec = &IPRecord{Address: ip, NetworkUUID: n.UUID}
		} else {
			if err := checkIfMatch(rec.Etag, p.IfMatch); err != nil {
				return nil, err
			}
			pre = store.MatchEtag(rec.Etag)
		}

		if p.Reserved != nil {
			rec.Reserved = *p.Reserved
		}
		if p.BelongsToType != nil {
			rec.BelongsToType = *p.BelongsToType
		}
		if p.BelongsToUUID != nil {
			rec.BelongsToUUID = *p.BelongsToUUID
		}
		if p.OwnerUUID != nil {
			rec.OwnerUUID = *p.OwnerUUID
		}
		if p.Unassign {
			rec.BelongsToType = ""
			rec.BelongsToUUID = ""
			rec.OwnerUUID = ""
		}

		err = store.Put(ctx, e.store, IPBucket(n.UUID), ip.String(), addr.SortKey(ip), encode(rec), pre)
		if err == nil {
			return e.GetIP(ctx, n, ip)
		}
		if !errors.Is(err, util.ErrConflict) {
			return nil, err
		}
		if p.IfMatch != "" {
			cur, gerr := e.GetIP(ctx, n, ip)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &util.PreconditionFailedError{Etag: cur.Etag, Incoming: p.IfMatch}
		}
		if attempt >= 2 {
			return nil, util.NewInternalError("updating IP record", err)
		}
	}
}

// SearchResult pairs an address record with the network it was found on.
type SearchResult struct {
	Network *Network
	Record  *IPRecord
}

// SearchIPs finds the address on every network whose subnet contains it,
// synthesizing free records for networks where it was never written.
func (e *Engine) SearchIPs(ctx context.Context, ip netip.Addr, f NetworkFilter) ([]*SearchResult, error) {
	nets, err := e.ListNetworks(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []*SearchResult
	for _, n := range nets {
		if !n.Subnet.Contains(ip) {
			continue
		}
		rec, err := e.GetIPOrImplied(ctx, n, ip)
		if err != nil {
			return nil, err
		}
		out = append(out, &SearchResult{Network: n, Record: rec})
	}
	return out, nil
}
