package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/ipam"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// Prefix lengths for auto-allocated fabric subnets.
const (
	fabricV4Bits = 24
	fabricV6Bits = 64
)

// CreateFabricVLAN registers a VLAN inside an owner's overlay. The first
// VLAN fixes the owner's vnet_id; later ones inherit it.
func (e *Engine) CreateFabricVLAN(ctx context.Context, owner string, vlanID int, vnetID uint32, name, description string) (*FabricVLAN, error) {
	if vnetID == 0 {
		existing, err := e.ListFabricVLANs(ctx, owner)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			vnetID = existing[0].VnetID
		} else {
			vnetID = e.nextMACHost()
		}
	}
	v := &FabricVLAN{
		VLANID:      vlanID,
		OwnerUUID:   owner,
		VnetID:      vnetID,
		Name:        name,
		Description: description,
	}
	err := store.Put(ctx, e.store, FabricVLANsBucket, v.Key(), "", encode(v), store.CreateOnly())
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(
				util.DuplicateParam("vlan_id", fmt.Sprintf("VLAN %d already exists", vlanID)))
		}
		return nil, err
	}
	return e.GetFabricVLAN(ctx, owner, vlanID)
}

// GetFabricVLAN fetches one of an owner's VLANs.
func (e *Engine) GetFabricVLAN(ctx context.Context, owner string, vlanID int) (*FabricVLAN, error) {
	rec, err := e.store.Get(ctx, FabricVLANsBucket, fabricVLANKey(owner, vlanID))
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("vlan", fmt.Sprintf("%d", vlanID))
		}
		return nil, err
	}
	v := &FabricVLAN{}
	if err := decode(rec, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ListFabricVLANs returns an owner's VLANs.
func (e *Engine) ListFabricVLANs(ctx context.Context, owner string) ([]*FabricVLAN, error) {
	recs, err := e.store.List(ctx, FabricVLANsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*FabricVLAN
	for i := range recs {
		v := &FabricVLAN{}
		if err := decode(&recs[i], v); err != nil {
			return nil, err
		}
		if v.OwnerUUID != owner {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateFabricVLANParams are the mutable VLAN fields.
type UpdateFabricVLANParams struct {
	Name        *string
	Description *string
	IfMatch     string
}

// UpdateFabricVLAN applies a partial update under the VLAN's etag.
func (e *Engine) UpdateFabricVLAN(ctx context.Context, owner string, vlanID int, p UpdateFabricVLANParams) (*FabricVLAN, error) {
	v, err := e.GetFabricVLAN(ctx, owner, vlanID)
	if err != nil {
		return nil, err
	}
	if err := checkIfMatch(v.Etag, p.IfMatch); err != nil {
		return nil, err
	}
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	err = store.Put(ctx, e.store, FabricVLANsBucket, v.Key(), "", encode(v), store.MatchEtag(v.Etag))
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, &util.PreconditionFailedError{Etag: v.Etag, Incoming: p.IfMatch}
		}
		return nil, err
	}
	return e.GetFabricVLAN(ctx, owner, vlanID)
}

// DeleteFabricVLAN removes a VLAN that no fabric network lives on.
func (e *Engine) DeleteFabricVLAN(ctx context.Context, owner string, vlanID int, ifMatch string) error {
	v, err := e.GetFabricVLAN(ctx, owner, vlanID)
	if err != nil {
		return err
	}
	if err := checkIfMatch(v.Etag, ifMatch); err != nil {
		return err
	}
	nets, err := e.ListFabricNetworks(ctx, owner, vlanID)
	if err != nil {
		return err
	}
	if len(nets) > 0 {
		users := make([]util.UsedBy, len(nets))
		for i, n := range nets {
			users[i] = util.UsedBy{Type: "network", UUID: n.UUID}
		}
		return util.NewInUseError(fmt.Sprintf("vlan %d", vlanID), users...)
	}
	if err := store.Delete(ctx, e.store, FabricVLANsBucket, v.Key(), store.MatchEtag(v.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: v.Etag, Incoming: ifMatch}
		}
		return err
	}
	return nil
}

// CreateFabricNetwork places a network on one of an owner's VLANs. The
// network is fabric-scoped: owned by the owner and carrying the VLAN's
// vnet_id. Fabric subnets may overlap across owners.
func (e *Engine) CreateFabricNetwork(ctx context.Context, owner string, vlanID int, p CreateNetworkParams) (*Network, error) {
	v, err := e.GetFabricVLAN(ctx, owner, vlanID)
	if err != nil {
		return nil, err
	}
	if !p.Subnet.IsValid() {
		if err := e.autoFabricSubnet(ctx, owner, &p); err != nil {
			return nil, err
		}
	}
	p.Fabric = true
	p.VLANID = vlanID
	p.VnetID = &v.VnetID
	p.OwnerUUIDs = []string{owner}
	return e.CreateNetwork(ctx, p)
}

// AvailableFabricSubnets proposes up to limit private subnets that no
// fabric network of the owner occupies yet.
func (e *Engine) AvailableFabricSubnets(ctx context.Context, owner string, family, limit int) ([]netip.Prefix, error) {
	fabric := true
	nets, err := e.ListNetworks(ctx, NetworkFilter{Fabric: &fabric, OwnerUUID: owner})
	if err != nil {
		return nil, err
	}
	existing := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		existing = append(existing, n.Subnet)
	}
	bits := fabricV4Bits
	if family == 6 {
		bits = fabricV6Bits
	}
	return ipam.AvailableSubnets(existing, family, bits, limit), nil
}

// autoFabricSubnet fills in the subnet, and any unset address fields, from
// the owner's next free private subnet: gateway at the first host, the
// provision range covering the rest.
func (e *Engine) autoFabricSubnet(ctx context.Context, owner string, p *CreateNetworkParams) error {
	family := 4
	if p.Family == FamilyIPv6 {
		family = 6
	}
	cands, err := e.AvailableFabricSubnets(ctx, owner, family, 1)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return util.NewInvalidParamsError(
			util.InvalidParam("subnet", "no private subnet left on this fabric"))
	}
	p.Subnet = cands[0]

	base := p.Subnet.Addr()
	if p.Gateway == nil {
		gw, err := addr.Offset(base, 1)
		if err != nil {
			return err
		}
		p.Gateway = &gw
	}
	if !p.ProvisionStart.IsValid() {
		start, err := addr.Offset(base, 2)
		if err != nil {
			return err
		}
		p.ProvisionStart = start
	}
	if !p.ProvisionEnd.IsValid() {
		end, err := addr.Offset(addr.BroadcastAddr(p.Subnet), -1)
		if err != nil {
			return err
		}
		p.ProvisionEnd = end
	}
	return nil
}

// ListFabricNetworks returns the fabric networks on an owner's VLAN.
func (e *Engine) ListFabricNetworks(ctx context.Context, owner string, vlanID int) ([]*Network, error) {
	fabric := true
	nets, err := e.ListNetworks(ctx, NetworkFilter{Fabric: &fabric, VLANID: &vlanID, OwnerUUID: owner})
	if err != nil {
		return nil, err
	}
	return nets, nil
}

// GetFabricNetwork fetches a fabric network, checking it lives on the
// owner's VLAN.
func (e *Engine) GetFabricNetwork(ctx context.Context, owner string, vlanID int, networkUUID string) (*Network, error) {
	n, err := e.GetNetwork(ctx, networkUUID)
	if err != nil {
		return nil, err
	}
	if !n.Fabric || n.VLANID != vlanID || !containsString(n.OwnerUUIDs, owner) {
		return nil, util.NewNotFoundError("network", networkUUID)
	}
	return n, nil
}

// DeleteFabricNetwork removes a fabric network through the usual network
// delete path.
func (e *Engine) DeleteFabricNetwork(ctx context.Context, owner string, vlanID int, networkUUID, ifMatch string) error {
	if _, err := e.GetFabricNetwork(ctx, owner, vlanID, networkUUID); err != nil {
		return err
	}
	return e.DeleteNetwork(ctx, networkUUID, ifMatch)
}

// CreateVPCParams are the validated inputs for CreateVPC.
type CreateVPCParams struct {
	UUID        string
	OwnerUUID   string
	VnetID      uint32
	Name        string
	Description string
}

// CreateVPC registers an owner's fabric routing domain.
func (e *Engine) CreateVPC(ctx context.Context, p CreateVPCParams) (*VPC, error) {
	v := &VPC{
		UUID:        p.UUID,
		OwnerUUID:   p.OwnerUUID,
		VnetID:      p.VnetID,
		Name:        p.Name,
		Description: p.Description,
	}
	if v.UUID == "" {
		v.UUID = uuid.NewString()
	}
	if v.VnetID == 0 {
		v.VnetID = e.nextMACHost()
	}
	err := store.Put(ctx, e.store, VPCsBucket, v.UUID, "", encode(v), store.CreateOnly())
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(util.DuplicateParam("vpc_uuid", "VPC already exists"))
		}
		return nil, err
	}
	return e.GetVPC(ctx, v.UUID)
}

// GetVPC fetches a VPC by UUID.
func (e *Engine) GetVPC(ctx context.Context, vpcUUID string) (*VPC, error) {
	rec, err := e.store.Get(ctx, VPCsBucket, vpcUUID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("vpc", vpcUUID)
		}
		return nil, err
	}
	v := &VPC{}
	if err := decode(rec, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ListVPCs returns VPCs, optionally restricted to one owner.
func (e *Engine) ListVPCs(ctx context.Context, owner string) ([]*VPC, error) {
	recs, err := e.store.List(ctx, VPCsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*VPC
	for i := range recs {
		v := &VPC{}
		if err := decode(&recs[i], v); err != nil {
			return nil, err
		}
		if owner != "" && v.OwnerUUID != owner {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateVPCParams are the mutable VPC fields.
type UpdateVPCParams struct {
	Name        *string
	Description *string
	IfMatch     string
}

// UpdateVPC applies a partial update under the VPC's etag.
func (e *Engine) UpdateVPC(ctx context.Context, vpcUUID string, p UpdateVPCParams) (*VPC, error) {
	v, err := e.GetVPC(ctx, vpcUUID)
	if err != nil {
		return nil, err
	}
	if err := checkIfMatch(v.Etag, p.IfMatch); err != nil {
		return nil, err
	}
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	err = store.Put(ctx, e.store, VPCsBucket, vpcUUID, "", encode(v), store.MatchEtag(v.Etag))
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, &util.PreconditionFailedError{Etag: v.Etag, Incoming: p.IfMatch}
		}
		return nil, err
	}
	return e.GetVPC(ctx, vpcUUID)
}

// DeleteVPC removes a VPC that no network references.
func (e *Engine) DeleteVPC(ctx context.Context, vpcUUID, ifMatch string) error {
	v, err := e.GetVPC(ctx, vpcUUID)
	if err != nil {
		return err
	}
	if err := checkIfMatch(v.Etag, ifMatch); err != nil {
		return err
	}
	nets, err := e.VPCNetworks(ctx, vpcUUID)
	if err != nil {
		return err
	}
	if len(nets) > 0 {
		users := make([]util.UsedBy, len(nets))
		for i, n := range nets {
			users[i] = util.UsedBy{Type: "network", UUID: n.UUID}
		}
		return util.NewInUseError("vpc "+vpcUUID, users...)
	}
	if err := store.Delete(ctx, e.store, VPCsBucket, vpcUUID, store.MatchEtag(v.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: v.Etag, Incoming: ifMatch}
		}
		return err
	}
	return nil
}

// VPCNetworks returns the networks attached to a VPC.
func (e *Engine) VPCNetworks(ctx context.Context, vpcUUID string) ([]*Network, error) {
	nets, err := e.ListNetworks(ctx, NetworkFilter{})
	if err != nil {
		return nil, err
	}
	var out []*Network
	for _, n := range nets {
		if n.VPCUUID == vpcUUID {
			out = append(out, n)
		}
	}
	return out, nil
}
