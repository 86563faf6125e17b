package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// CreateNetworkParams are the validated inputs for CreateNetwork.
type CreateNetworkParams struct {
	UUID   string
	Name   string
	NicTag string
	VLANID int
	VnetID *uint32

	// Subnet may be left unset on fabric networks; Family then selects
	// the address family the auto-allocated subnet comes from.
	Subnet netip.Prefix
	Family string
	ProvisionStart netip.Addr
	ProvisionEnd   netip.Addr
	Gateway        *netip.Addr
	Resolvers      []netip.Addr
	Routes         map[string]string
	MTU            int
	OwnerUUIDs     []string
	Fabric         bool
	VPCUUID        string
	Description    string
}

// CreateNetwork validates cross-field invariants, registers the network and
// seeds its IP bucket with the sentinel records that anchor gap scans.
func (e *Engine) CreateNetwork(ctx context.Context, p CreateNetworkParams) (*Network, error) {
	var errs []util.FieldError

	family := FamilyIPv4
	if p.Subnet.Addr().Is6() {
		family = FamilyIPv6
	}
	rangeInSubnet := true
	if !p.Subnet.Contains(p.ProvisionStart) {
		errs = append(errs, util.InvalidParam("provision_start", "provision_start is not in subnet"))
		rangeInSubnet = false
	}
	if !p.Subnet.Contains(p.ProvisionEnd) {
		errs = append(errs, util.InvalidParam("provision_end", "provision_end is not in subnet"))
		rangeInSubnet = false
	}
	// Range order is only meaningful once both endpoints sit in the subnet.
	if rangeInSubnet && addr.Compare(p.ProvisionStart, p.ProvisionEnd) > 0 {
		errs = append(errs, util.InvalidParam("provision_end", "provision_start is after provision_end"))
	}
	if p.Gateway != nil && !p.Subnet.Contains(*p.Gateway) {
		errs = append(errs, util.InvalidParam("gateway", "gateway is not in subnet"))
	}
	for dst := range p.Routes {
		if _, err := addr.ParseCIDR(dst); err != nil {
			if _, err := addr.ParseIP(dst); err != nil {
				errs = append(errs, util.InvalidParam("routes", fmt.Sprintf("invalid route destination %q", dst)))
			}
		}
	}
	if len(errs) > 0 {
		return nil, util.NewInvalidParamsError(errs...)
	}

	tag, err := e.GetNicTag(ctx, p.NicTag)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewInvalidParamsError(util.InvalidParam("nic_tag", fmt.Sprintf("nic tag %q does not exist", p.NicTag)))
		}
		return nil, err
	}
	mtu := p.MTU
	if mtu == 0 {
		mtu = tag.MTU
	}
	if mtu > tag.MTU {
		return nil, util.NewInvalidParamsError(util.InvalidParam("mtu",
			fmt.Sprintf("mtu %d exceeds nic tag %q mtu %d", mtu, tag.Name, tag.MTU)))
	}

	if !p.Fabric {
		if err := e.checkSubnetOverlap(ctx, p.NicTag, p.VLANID, p.Subnet, ""); err != nil {
			return nil, err
		}
	}

	n := &Network{
		UUID:           p.UUID,
		Name:           p.Name,
		NicTag:         p.NicTag,
		VLANID:         p.VLANID,
		VnetID:         p.VnetID,
		Family:         family,
		Subnet:         p.Subnet,
		ProvisionStart: p.ProvisionStart,
		ProvisionEnd:   p.ProvisionEnd,
		Gateway:        p.Gateway,
		Resolvers:      p.Resolvers,
		Routes:         p.Routes,
		MTU:            mtu,
		OwnerUUIDs:     p.OwnerUUIDs,
		Fabric:         p.Fabric,
		VPCUUID:        p.VPCUUID,
		Description:    p.Description,
	}
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}

	ipb := IPBucket(n.UUID)
	if err := e.store.EnsureBucket(ctx, ipb); err != nil {
		return nil, fmt.Errorf("creating IP bucket for %s: %w", n.UUID, err)
	}

	ops := []store.Op{{
		Bucket:  NetworksBucket,
		Key:     n.UUID,
		Value:   encode(n),
		Precond: store.CreateOnly(),
	}}
	ops = append(ops, seedOps(n)...)

	if err := e.store.Batch(ctx, ops); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(util.DuplicateParam("uuid", "network already exists"))
		}
		return nil, err
	}
	rec, err := e.store.Get(ctx, NetworksBucket, n.UUID)
	if err != nil {
		return nil, err
	}
	n.Etag, n.Mtime = rec.Etag, rec.Mtime
	util.WithNetwork(n.UUID).WithField("subnet", n.Subnet.String()).Info("network created")
	return n, nil
}

// seedOps builds the sentinel IP records for a fresh network: gateway and
// broadcast reserved, plus the two placeholders just outside the provision
// range that anchor gap scans at its edges.
func seedOps(n *Network) []store.Op {
	seeds := make(map[netip.Addr]bool) // addr -> reserved
	if low, err := addr.Offset(n.ProvisionStart, -1); err == nil {
		seeds[low] = true
	}
	if high, err := addr.Offset(n.ProvisionEnd, 1); err == nil {
		seeds[high] = true
	}
	if n.Gateway != nil {
		seeds[*n.Gateway] = true
	}
	if n.Family == FamilyIPv4 {
		seeds[addr.BroadcastAddr(n.Subnet)] = true
	}

	ipb := IPBucket(n.UUID)
	ops := make([]store.Op, 0, len(seeds))
	for a, reserved := range seeds {
		rec := &IPRecord{
			Address:     a,
			NetworkUUID: n.UUID,
			Reserved:    reserved,
		}
		ops = append(ops, store.Op{
			Bucket:  ipb,
			Key:     a.String(),
			SortKey: addr.SortKey(a),
			Value:   encode(rec),
			Precond: store.CreateOnly(),
		})
	}
	return ops
}

// checkSubnetOverlap enforces the non-overlap invariant across non-fabric
// networks sharing nic_tag and vlan_id.
func (e *Engine) checkSubnetOverlap(ctx context.Context, nicTag string, vlanID int, subnet netip.Prefix, excludeUUID string) error {
	nets, err := e.ListNetworks(ctx, NetworkFilter{NicTag: nicTag, VLANID: &vlanID})
	if err != nil {
		return err
	}
	for _, other := range nets {
		if other.Fabric || other.UUID == excludeUUID {
			continue
		}
		if other.Subnet.Overlaps(subnet) {
			return util.NewInvalidParamsError(util.InvalidParam("subnet",
				fmt.Sprintf("subnet overlaps network %s (%s)", other.UUID, other.Subnet)))
		}
	}
	return nil
}

// GetNetwork fetches a network by UUID.
func (e *Engine) GetNetwork(ctx context.Context, networkUUID string) (*Network, error) {
	rec, err := e.store.Get(ctx, NetworksBucket, networkUUID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("network", networkUUID)
		}
		return nil, err
	}
	n := &Network{}
	if err := decode(rec, n); err != nil {
		return nil, err
	}
	return n, nil
}

// NetworkFilter selects networks in ListNetworks.
type NetworkFilter struct {
	Name            string
	NicTag          string
	VLANID          *int
	Family          string
	Fabric          *bool
	OwnerUUID       string
	ProvisionableBy string
	Limit           int
	Offset          int
}

// ListNetworks returns networks matching the filter in UUID order.
func (e *Engine) ListNetworks(ctx context.Context, f NetworkFilter) ([]*Network, error) {
	recs, err := store.Find(ctx, e.store, NetworksBucket, nil, store.FindOpts{})
	if err != nil {
		return nil, err
	}
	var out []*Network
	for i := range recs {
		n := &Network{}
		if err := decode(&recs[i], n); err != nil {
			return nil, err
		}
		if f.Name != "" && n.Name != f.Name {
			continue
		}
		if f.NicTag != "" && n.NicTag != f.NicTag {
			continue
		}
		if f.VLANID != nil && n.VLANID != *f.VLANID {
			continue
		}
		if f.Family != "" && n.Family != f.Family {
			continue
		}
		if f.Fabric != nil && n.Fabric != *f.Fabric {
			continue
		}
		if f.OwnerUUID != "" && !containsString(n.OwnerUUIDs, f.OwnerUUID) {
			continue
		}
		if f.ProvisionableBy != "" && !n.OwnedBy(f.ProvisionableBy, e.cfg.AdminOwnerUUID) {
			continue
		}
		out = append(out, n)
	}
	out = applyWindow(out, f.Offset, f.Limit)
	return out, nil
}

// findNetworkByTagVLAN resolves the unique non-fabric network carrying a
// nic_tag and vlan_id pair, for NIC creates that pass ip + nic_tag + vlan.
func (e *Engine) findNetworkByTagVLAN(ctx context.Context, nicTag string, vlanID int) (*Network, error) {
	fabric := false
	nets, err := e.ListNetworks(ctx, NetworkFilter{NicTag: nicTag, VLANID: &vlanID, Fabric: &fabric})
	if err != nil {
		return nil, err
	}
	if len(nets) != 1 {
		return nil, util.NewInvalidParamsError(
			util.InvalidParam("nic_tag", fmt.Sprintf("no unique network for nic_tag %q vlan %d", nicTag, vlanID)),
			util.InvalidParam("vlan_id", fmt.Sprintf("no unique network for nic_tag %q vlan %d", nicTag, vlanID)),
		)
	}
	return nets[0], nil
}

// UpdateNetworkParams are the mutable network fields. Nil pointers leave
// the current value in place.
type UpdateNetworkParams struct {
	Name           *string
	Description    *string
	Gateway        *netip.Addr
	Resolvers      *[]netip.Addr
	Routes         *map[string]string
	MTU            *int
	ProvisionStart *netip.Addr
	ProvisionEnd   *netip.Addr
	OwnerUUIDs     *[]string

	IfMatch string
}

// UpdateNetwork applies a partial update under the network's etag.
func (e *Engine) UpdateNetwork(ctx context.Context, networkUUID string, p UpdateNetworkParams) (*Network, error) {
	for attempt := 0; ; attempt++ {
		n, err := e.GetNetwork(ctx, networkUUID)
		if err != nil {
			return nil, err
		}
		if err := checkIfMatch(n.Etag, p.IfMatch); err != nil {
			return nil, err
		}

		if p.Name != nil {
			n.Name = *p.Name
		}
		if p.Description != nil {
			n.Description = *p.Description
		}
		if p.Gateway != nil {
			if !n.Subnet.Contains(*p.Gateway) {
				return nil, util.NewInvalidParamsError(util.InvalidParam("gateway", "gateway is not in subnet"))
			}
			n.Gateway = p.Gateway
		}
		if p.Resolvers != nil {
			n.Resolvers = *p.Resolvers
		}
		if p.Routes != nil {
			n.Routes = *p.Routes
		}
		if p.MTU != nil {
			tag, err := e.GetNicTag(ctx, n.NicTag)
			if err != nil {
				return nil, err
			}
			if *p.MTU > tag.MTU {
				return nil, util.NewInvalidParamsError(util.InvalidParam("mtu",
					fmt.Sprintf("mtu %d exceeds nic tag %q mtu %d", *p.MTU, tag.Name, tag.MTU)))
			}
			n.MTU = *p.MTU
		}
		if p.ProvisionStart != nil || p.ProvisionEnd != nil {
			start, end := n.ProvisionStart, n.ProvisionEnd
			if p.ProvisionStart != nil {
				start = *p.ProvisionStart
			}
			if p.ProvisionEnd != nil {
				end = *p.ProvisionEnd
			}
			if !n.Subnet.Contains(start) || !n.Subnet.Contains(end) || addr.Compare(start, end) > 0 {
				return nil, util.NewInvalidParamsError(util.InvalidParam("provision_start", "invalid provision range"))
			}
			n.ProvisionStart, n.ProvisionEnd = start, end
		}
		if p.OwnerUUIDs != nil {
			n.OwnerUUIDs = *p.OwnerUUIDs
		}

		err = store.Put(ctx, e.store, NetworksBucket, n.UUID, "", encode(n), store.MatchEtag(n.Etag))
		if err == nil {
			return e.GetNetwork(ctx, networkUUID)
		}
		if !errors.Is(err, util.ErrConflict) {
			return nil, err
		}
		// A concurrent writer moved the etag. With an explicit If-Match the
		// caller decides; otherwise re-read and reapply.
		if p.IfMatch != "" {
			cur, gerr := e.GetNetwork(ctx, networkUUID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &util.PreconditionFailedError{Etag: cur.Etag, Incoming: p.IfMatch}
		}
		if attempt >= 2 {
			return nil, util.NewInternalError("updating network", err)
		}
	}
}

// DeleteNetwork removes a network that nothing references. Assigned IP
// records and pool memberships block deletion with InUse.
func (e *Engine) DeleteNetwork(ctx context.Context, networkUUID, ifMatch string) error {
	n, err := e.GetNetwork(ctx, networkUUID)
	if err != nil {
		return err
	}
	if err := checkIfMatch(n.Etag, ifMatch); err != nil {
		return err
	}

	var usedBy []util.UsedBy

	pools, err := e.ListNetworkPools(ctx, PoolFilter{})
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if containsString(pool.Networks, networkUUID) {
			usedBy = append(usedBy, util.UsedBy{Type: "network_pool", UUID: pool.UUID})
		}
	}

	ips, err := e.listIPRecords(ctx, n)
	if err != nil {
		return err
	}
	for _, rec := range ips {
		if rec.BelongsToUUID != "" {
			usedBy = append(usedBy, util.UsedBy{Type: rec.BelongsToType, UUID: rec.BelongsToUUID})
		}
	}
	if len(usedBy) > 0 {
		return util.NewInUseError("network "+networkUUID, usedBy...)
	}

	if err := store.Delete(ctx, e.store, NetworksBucket, networkUUID, store.MatchEtag(n.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: n.Etag, Incoming: ifMatch}
		}
		return err
	}
	if err := e.store.DeleteBucket(ctx, IPBucket(networkUUID)); err != nil {
		return fmt.Errorf("deleting IP bucket for %s: %w", networkUUID, err)
	}
	util.WithNetwork(networkUUID).Info("network deleted")
	return nil
}

func (e *Engine) listIPRecords(ctx context.Context, n *Network) ([]*IPRecord, error) {
	recs, err := e.store.List(ctx, IPBucket(n.UUID), store.ListOpts{})
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

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func applyWindow[T any](list []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(list) {
			return nil
		}
		list = list[offset:]
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
