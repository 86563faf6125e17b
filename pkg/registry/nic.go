package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// CreateNICParams are the validated inputs for CreateNIC.
type CreateNICParams struct {
	// MAC is optional; zero means generate one under the configured OUI.
	MAC addr.MAC

	OwnerUUID     string
	BelongsToType string
	BelongsToUUID string
	CNUUID        string
	Primary       bool
	State         string

	NicTag          string
	NicTagsProvided []string

	// NicTagsAvailable constrains pool provisioning to the tags the
	// target server can actually attach.
	NicTagsAvailable []string

	// NetworkUUID may name a network or a network pool. An IP may also be
	// placed by nic_tag + vlan_id when it names a unique network.
	NetworkUUID string
	VLANID      *int
	IP          *netip.Addr

	AllowDHCPSpoofing      bool
	AllowIPSpoofing        bool
	AllowMACSpoofing       bool
	AllowRestrictedTraffic bool
	AllowUnfilteredPromisc bool

	Underlay bool
	Model    string
}

// CreateNIC registers a NIC, resolving its network and claiming its IP in
// the same atomic batch as the NIC record itself. The retry loop is bounded
// separately per resource: a lost IP race never consumes a MAC retry and
// vice versa.
func (e *Engine) CreateNIC(ctx context.Context, p CreateNICParams) (*NIC, error) {
	n := &NIC{
		MAC:             p.MAC,
		OwnerUUID:       p.OwnerUUID,
		BelongsToType:   p.BelongsToType,
		BelongsToUUID:   p.BelongsToUUID,
		CNUUID:          p.CNUUID,
		Primary:         p.Primary,
		State:           p.State,
		NicTag:          p.NicTag,
		NicTagsProvided: p.NicTagsProvided,
		Underlay:        p.Underlay,
		Model:           p.Model,

		AllowDHCPSpoofing:      p.AllowDHCPSpoofing,
		AllowIPSpoofing:        p.AllowIPSpoofing,
		AllowMACSpoofing:       p.AllowMACSpoofing,
		AllowRestrictedTraffic: p.AllowRestrictedTraffic,
		AllowUnfilteredPromisc: p.AllowUnfilteredPromisc,

		CreatedAt: time.Now().UTC(),
	}
	if n.State == "" {
		n.State = StateRunning
	}

	net, pool, err := e.resolveNetwork(ctx, p)
	if err != nil {
		return nil, err
	}

	if pool != nil {
		if p.IP != nil {
			return nil, util.NewInvalidParamsError(
				util.InvalidParam("ip", "cannot specify an ip when provisioning on a network pool"))
		}
		tuples, err := e.IntersectPools(ctx, []string{pool.UUID}, TupleFilter{
			NicTag:           p.NicTag,
			NicTagsAvailable: p.NicTagsAvailable,
			VLANID:           p.VLANID,
		})
		if err != nil {
			return nil, err
		}
		return e.provisionOnPool(ctx, n, pool, tuples)
	}

	if net != nil {
		if !net.OwnedBy(p.OwnerUUID, e.cfg.AdminOwnerUUID) {
			return nil, util.NewInvalidParamsError(util.InvalidParam("owner_uuid",
				fmt.Sprintf("owner cannot provision on network %s", net.UUID)))
		}
		n.NetworkUUID = net.UUID
		if n.NicTag == "" {
			n.NicTag = net.NicTag
		}
	} else if p.IP != nil {
		return nil, util.NewInvalidParamsError(
			util.InvalidParam("ip", "ip requires a network_uuid or nic_tag and vlan_id"))
	}

	return e.provisionNIC(ctx, n, net, p.IP)
}

// resolveNetwork maps the create params onto a concrete network: an
// explicit network UUID first, then a pool UUID, then a unique nic_tag +
// vlan_id pair. A NIC with none of those carries no IP.
func (e *Engine) resolveNetwork(ctx context.Context, p CreateNICParams) (*Network, *NetworkPool, error) {
	if p.NetworkUUID != "" {
		net, err := e.GetNetwork(ctx, p.NetworkUUID)
		if err == nil {
			return net, nil, nil
		}
		if !errors.Is(err, util.ErrNotFound) {
			return nil, nil, err
		}
		pool, perr := e.GetNetworkPool(ctx, p.NetworkUUID)
		if perr != nil {
			if errors.Is(perr, util.ErrNotFound) {
				return nil, nil, util.NewNotFoundError("network", p.NetworkUUID)
			}
			return nil, nil, perr
		}
		return nil, pool, nil
	}
	if p.IP != nil && p.NicTag != "" && p.VLANID != nil {
		net, err := e.findNetworkByTagVLAN(ctx, p.NicTag, *p.VLANID)
		return net, nil, err
	}
	return nil, nil, nil
}

// provisionOnPool walks the pool's member networks in order, skipping
// members outside the admitted tuple set and moving to the next only when
// the current one has no free addresses left.
func (e *Engine) provisionOnPool(ctx context.Context, n *NIC, pool *NetworkPool, tuples []NetworkTuple) (*NIC, error) {
	nets, err := e.poolNetworks(ctx, pool, n.OwnerUUID)
	if err != nil {
		return nil, err
	}
	if len(nets) == 0 {
		return nil, util.NewInvalidParamsError(util.InvalidParam("owner_uuid",
			fmt.Sprintf("owner cannot provision on network pool %s", pool.UUID)))
	}
	admitted := map[string]bool{}
	for _, t := range tuples {
		admitted[t.key()] = true
	}
	for _, net := range nets {
		t := NetworkTuple{NicTag: net.NicTag, VLANID: net.VLANID, VnetID: net.VnetID, MTU: net.MTU}
		if !admitted[t.key()] {
			continue
		}
		n.NetworkUUID = net.UUID
		if n.NicTag == "" {
			n.NicTag = net.NicTag
		}
		out, err := e.provisionNIC(ctx, n, net, nil)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, util.ErrSubnetFull) {
			return nil, err
		}
	}
	return nil, &util.SubnetFullError{}
}

// provisionNIC runs the bounded claim loop: generate or take the MAC, pick
// or take the IP, flip any existing primary NIC, and commit it all in one
// batch.
func (e *Engine) provisionNIC(ctx context.Context, n *NIC, net *Network, wantIP *netip.Addr) (*NIC, error) {
	autoMAC := n.MAC == 0
	autoIP := net != nil && wantIP == nil

	var alloc *allocation
	if autoIP {
		alloc = e.newAllocation(net, n.OwnerUUID, n.BelongsToType, n.BelongsToUUID)
	}

	macTries, ipTries, flipTries := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if autoMAC {
			n.MAC = e.nextMAC()
		}

		var ops []store.Op
		switch {
		case autoIP:
			rec, ipOp, err := alloc.next(ctx)
			if err != nil {
				return nil, err
			}
			n.IP = &rec.Address
			ops = append(ops, ipOp)
		case net != nil:
			_, ipOp, err := e.ipOpForAddress(ctx, net, *wantIP, n.OwnerUUID, n.BelongsToType, n.BelongsToUUID)
			if err != nil {
				return nil, err
			}
			n.IP = wantIP
			ops = append(ops, ipOp)
		}

		if n.Primary {
			flips, err := e.primaryFlipOps(ctx, n.BelongsToUUID, n.Key())
			if err != nil {
				return nil, err
			}
			ops = append(ops, flips...)
		}
		ops = append([]store.Op{createNICOp(n)}, ops...)

		err := e.store.Batch(ctx, ops)
		if err == nil {
			out, err := e.GetNIC(ctx, n.MAC)
			if err != nil {
				return nil, err
			}
			util.WithFields(map[string]interface{}{
				"mac":        n.MAC.String(),
				"belongs_to": n.BelongsToUUID,
			}).Info("nic created")
			return out, nil
		}

		var conflict *util.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		switch {
		case conflict.Bucket == NICsBucket.Name && conflict.Key == n.Key():
			if !autoMAC {
				return nil, util.NewInvalidParamsError(
					util.DuplicateParam("mac", fmt.Sprintf("MAC address %s already exists", n.MAC)))
			}
			macTries++
			if macTries >= e.cfg.MACRetries {
				return nil, util.NewInternalError(
					fmt.Sprintf("no more free MAC addresses after %d attempts", e.cfg.MACRetries), nil)
			}
			if alloc != nil {
				alloc.requeue()
			}
		case net != nil && conflict.Bucket == IPBucket(net.UUID).Name:
			ipTries++
			if ipTries >= e.cfg.IPRetries {
				return nil, &util.SubnetFullError{NetworkUUID: net.UUID}
			}
		default:
			// A primary flip lost its race; re-read and rebuild. The IP
			// candidate was not contested, so it goes back on offer.
			flipTries++
			if flipTries >= 10 {
				return nil, util.NewInternalError("exhausted primary flip retries", err)
			}
			if alloc != nil {
				alloc.requeue()
			}
		}
	}
}

// primaryFlipOps demotes every other primary NIC of the same owner record,
// etag-checked so a concurrent change surfaces as a batch conflict instead
// of a silent overwrite.
func (e *Engine) primaryFlipOps(ctx context.Context, belongsToUUID, excludeKey string) ([]store.Op, error) {
	nics, err := e.ListNICs(ctx, NICFilter{BelongsToUUID: belongsToUUID})
	if err != nil {
		return nil, err
	}
	var ops []store.Op
	for _, other := range nics {
		if !other.Primary || other.Key() == excludeKey {
			continue
		}
		demoted := *other
		demoted.Primary = false
		ops = append(ops, store.Op{
			Bucket:  NICsBucket,
			Key:     other.Key(),
			SortKey: nicSortKey(other.MAC),
			Value:   encode(&demoted),
			Precond: store.MatchEtag(other.Etag),
		})
	}
	return ops, nil
}

// GetNIC fetches a NIC by MAC.
func (e *Engine) GetNIC(ctx context.Context, mac addr.MAC) (*NIC, error) {
	rec, err := e.store.Get(ctx, NICsBucket, nicKey(mac))
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("nic", mac.String())
		}
		return nil, err
	}
	n := &NIC{}
	if err := decode(rec, n); err != nil {
		return nil, err
	}
	return n, nil
}

// NICFilter selects NICs in ListNICs.
type NICFilter struct {
	OwnerUUID     string
	BelongsToType string
	BelongsToUUID string
	NicTag        string
	NetworkUUID   string
	State         string
	CNUUID        string
	Limit         int
	Offset        int
}

// ListNICs returns NICs matching the filter in MAC order.
func (e *Engine) ListNICs(ctx context.Context, f NICFilter) ([]*NIC, error) {
	recs, err := e.store.List(ctx, NICsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*NIC
	for i := range recs {
		n := &NIC{}
		if err := decode(&recs[i], n); err != nil {
			return nil, err
		}
		if f.OwnerUUID != "" && n.OwnerUUID != f.OwnerUUID {
			continue
		}
		if f.BelongsToType != "" && n.BelongsToType != f.BelongsToType {
			continue
		}
		if f.BelongsToUUID != "" && n.BelongsToUUID != f.BelongsToUUID {
			continue
		}
		if f.NicTag != "" && n.NicTag != f.NicTag {
			continue
		}
		if f.NetworkUUID != "" && n.NetworkUUID != f.NetworkUUID {
			continue
		}
		if f.State != "" && n.State != f.State {
			continue
		}
		if f.CNUUID != "" && n.CNUUID != f.CNUUID {
			continue
		}
		out = append(out, n)
	}
	out = applyWindow(out, f.Offset, f.Limit)
	return out, nil
}

// UpdateNICParams are the mutable NIC fields. A MAC cannot change: the
// wire form accepts one but the engine ignores it.
type UpdateNICParams struct {
	OwnerUUID       *string
	BelongsToType   *string
	BelongsToUUID   *string
	CNUUID          *string
	Primary         *bool
	State           *string
	NicTagsProvided *[]string
	Model           *string
	Underlay        *bool

	AllowDHCPSpoofing      *bool
	AllowIPSpoofing        *bool
	AllowMACSpoofing       *bool
	AllowRestrictedTraffic *bool
	AllowUnfilteredPromisc *bool

	// NetworkUUID and IP move the NIC to a new address. Setting only
	// NetworkUUID allocates on the new network; setting IP places it
	// exactly.
	NetworkUUID *string
	IP          *netip.Addr

	IfMatch string
}

// UpdateNIC applies a partial update. An address move claims the new IP,
// rewrites the NIC and conditionally frees the old IP in one batch.
func (e *Engine) UpdateNIC(ctx context.Context, mac addr.MAC, p UpdateNICParams) (*NIC, error) {
	for attempt := 0; ; attempt++ {
		n, err := e.GetNIC(ctx, mac)
		if err != nil {
			return nil, err
		}
		if err := checkIfMatch(n.Etag, p.IfMatch); err != nil {
			return nil, err
		}

		oldNet, oldIP := n.NetworkUUID, n.IP
		applyNICUpdate(n, p)

		var ops []store.Op
		moved := false
		if p.NetworkUUID != nil || p.IP != nil {
			target := n.NetworkUUID
			if p.NetworkUUID != nil {
				target = *p.NetworkUUID
			}
			moved = target != oldNet || (p.IP != nil && (oldIP == nil || *p.IP != *oldIP))
			if moved {
				net, err := e.GetNetwork(ctx, target)
				if err != nil {
					return nil, err
				}
				if !net.OwnedBy(n.OwnerUUID, e.cfg.AdminOwnerUUID) {
					return nil, util.NewInvalidParamsError(util.InvalidParam("owner_uuid",
						fmt.Sprintf("owner cannot provision on network %s", net.UUID)))
				}
				var claimed *IPRecord
				if p.IP != nil {
					rec, ipOp, err := e.ipOpForAddress(ctx, net, *p.IP, n.OwnerUUID, n.BelongsToType, n.BelongsToUUID)
					if err != nil {
						return nil, err
					}
					claimed = rec
					ops = append(ops, ipOp)
				} else {
					rec, ipOp, err := e.newAllocation(net, n.OwnerUUID, n.BelongsToType, n.BelongsToUUID).next(ctx)
					if err != nil {
						return nil, err
					}
					claimed = rec
					ops = append(ops, ipOp)
				}
				n.NetworkUUID = net.UUID
				n.IP = &claimed.Address
				if oldIP != nil && oldNet != "" {
					freeOp, err := e.freeIPOp(ctx, oldNet, *oldIP, n.BelongsToUUID)
					if err != nil {
						return nil, err
					}
					if freeOp != nil {
						ops = append(ops, *freeOp)
					}
				}
			}
		}

		if p.Primary != nil && *p.Primary {
			flips, err := e.primaryFlipOps(ctx, n.BelongsToUUID, n.Key())
			if err != nil {
				return nil, err
			}
			ops = append(ops, flips...)
		}

		ops = append([]store.Op{{
			Bucket:  NICsBucket,
			Key:     n.Key(),
			SortKey: nicSortKey(n.MAC),
			Value:   encode(n),
			Precond: store.MatchEtag(n.Etag),
		}}, ops...)

		err = e.store.Batch(ctx, ops)
		if err == nil {
			return e.GetNIC(ctx, mac)
		}
		if !errors.Is(err, util.ErrConflict) {
			return nil, err
		}
		if p.IfMatch != "" {
			cur, gerr := e.GetNIC(ctx, mac)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &util.PreconditionFailedError{Etag: cur.Etag, Incoming: p.IfMatch}
		}
		if attempt >= e.cfg.IPRetries {
			return nil, util.NewInternalError("exhausted nic update retries", err)
		}
	}
}

func applyNICUpdate(n *NIC, p UpdateNICParams) {
	if p.OwnerUUID != nil {
		n.OwnerUUID = *p.OwnerUUID
	}
	if p.BelongsToType != nil {
		n.BelongsToType = *p.BelongsToType
	}
	if p.BelongsToUUID != nil {
		n.BelongsToUUID = *p.BelongsToUUID
	}
	if p.CNUUID != nil {
		n.CNUUID = *p.CNUUID
	}
	if p.Primary != nil {
		n.Primary = *p.Primary
	}
	if p.State != nil {
		n.State = *p.State
	}
	if p.NicTagsProvided != nil {
		n.NicTagsProvided = *p.NicTagsProvided
	}
	if p.Model != nil {
		n.Model = *p.Model
	}
	if p.Underlay != nil {
		n.Underlay = *p.Underlay
	}
	if p.AllowDHCPSpoofing != nil {
		n.AllowDHCPSpoofing = *p.AllowDHCPSpoofing
	}
	if p.AllowIPSpoofing != nil {
		n.AllowIPSpoofing = *p.AllowIPSpoofing
	}
	if p.AllowMACSpoofing != nil {
		n.AllowMACSpoofing = *p.AllowMACSpoofing
	}
	if p.AllowRestrictedTraffic != nil {
		n.AllowRestrictedTraffic = *p.AllowRestrictedTraffic
	}
	if p.AllowUnfilteredPromisc != nil {
		n.AllowUnfilteredPromisc = *p.AllowUnfilteredPromisc
	}
}

// DeleteNIC removes a NIC and frees its IP, the free conditioned on the
// address still belonging to the NIC's owner record.
func (e *Engine) DeleteNIC(ctx context.Context, mac addr.MAC, ifMatch string) error {
	n, err := e.GetNIC(ctx, mac)
	if err != nil {
		return err
	}
	if err := checkIfMatch(n.Etag, ifMatch); err != nil {
		return err
	}

	ops := []store.Op{{
		Bucket:  NICsBucket,
		Key:     n.Key(),
		Delete:  true,
		Precond: store.MatchEtag(n.Etag),
	}}
	if n.IP != nil && n.NetworkUUID != "" {
		freeOp, err := e.freeIPOp(ctx, n.NetworkUUID, *n.IP, n.BelongsToUUID)
		if err != nil {
			return err
		}
		if freeOp != nil {
			ops = append(ops, *freeOp)
		}
	}

	if err := e.store.Batch(ctx, ops); err != nil {
		if errors.Is(err, util.ErrConflict) {
			cur, gerr := e.GetNIC(ctx, mac)
			if gerr != nil {
				return gerr
			}
			return &util.PreconditionFailedError{Etag: cur.Etag, Incoming: ifMatch}
		}
		return err
	}
	util.WithField("mac", mac.String()).Info("nic deleted")
	return nil
}
