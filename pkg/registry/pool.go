package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// MaxPoolNetworks caps pool membership.
const MaxPoolNetworks = 64

// Pool constraint failure codes.
const (
	PoolFailsConstraints = "POOL_FAILS_CONSTRAINTS"
	PoolNicTagsAmbiguous = "POOL_NIC_TAGS_AMBIGUOUS"
	NoPoolIntersection   = "NO_POOL_INTERSECTION"
)

// PoolConstraintError reports an unsatisfiable pool selection.
type PoolConstraintError struct {
	Code     string
	PoolUUID string
}

func (e *PoolConstraintError) Error() string {
	if e.PoolUUID != "" {
		return fmt.Sprintf("%s: pool %s", e.Code, e.PoolUUID)
	}
	return e.Code
}

func (e *PoolConstraintError) Unwrap() error {
	return util.ErrInvalidParams
}

// CreatePoolParams are the validated inputs for CreateNetworkPool.
type CreatePoolParams struct {
	UUID        string
	Name        string
	Networks    []string
	Description string
}

// CreateNetworkPool registers a pool. Every member network must exist.
func (e *Engine) CreateNetworkPool(ctx context.Context, p CreatePoolParams) (*NetworkPool, error) {
	if err := e.checkPoolMembers(ctx, p.Networks); err != nil {
		return nil, err
	}
	pool := &NetworkPool{
		UUID:        p.UUID,
		Name:        p.Name,
		Networks:    p.Networks,
		Description: p.Description,
	}
	if pool.UUID == "" {
		pool.UUID = uuid.NewString()
	}
	err := store.Put(ctx, e.store, NetworkPoolsBucket, pool.UUID, "", encode(pool), store.CreateOnly())
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(util.DuplicateParam("uuid", "network pool already exists"))
		}
		return nil, err
	}
	return e.GetNetworkPool(ctx, pool.UUID)
}

func (e *Engine) checkPoolMembers(ctx context.Context, networks []string) error {
	if len(networks) == 0 {
		return util.NewInvalidParamsError(util.InvalidParam("networks", "pool must contain at least one network"))
	}
	if len(networks) > MaxPoolNetworks {
		return util.NewInvalidParamsError(util.InvalidParam("networks",
			fmt.Sprintf("pool cannot contain more than %d networks", MaxPoolNetworks)))
	}
	var errs []util.FieldError
	for _, nu := range networks {
		if _, err := e.GetNetwork(ctx, nu); err != nil {
			if errors.Is(err, util.ErrNotFound) {
				errs = append(errs, util.InvalidParam("networks", fmt.Sprintf("unknown network %s", nu)))
				continue
			}
			return err
		}
	}
	if len(errs) > 0 {
		return util.NewInvalidParamsError(errs...)
	}
	return nil
}

// GetNetworkPool fetches a pool and derives its nic_tags_present set.
func (e *Engine) GetNetworkPool(ctx context.Context, poolUUID string) (*NetworkPool, error) {
	rec, err := e.store.Get(ctx, NetworkPoolsBucket, poolUUID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("network pool", poolUUID)
		}
		return nil, err
	}
	pool := &NetworkPool{}
	if err := decode(rec, pool); err != nil {
		return nil, err
	}
	if err := e.derivePoolTags(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (e *Engine) derivePoolTags(ctx context.Context, pool *NetworkPool) error {
	seen := map[string]bool{}
	for _, nu := range pool.Networks {
		n, err := e.GetNetwork(ctx, nu)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return err
		}
		seen[n.NicTag] = true
	}
	pool.NicTagsPresent = pool.NicTagsPresent[:0]
	for tag := range seen {
		pool.NicTagsPresent = append(pool.NicTagsPresent, tag)
	}
	sort.Strings(pool.NicTagsPresent)
	return nil
}

// PoolFilter selects pools in ListNetworkPools.
type PoolFilter struct {
	Name            string
	NetworkUUID     string
	ProvisionableBy string
	Limit           int
	Offset          int
}

// ListNetworkPools returns pools matching the filter in UUID order.
func (e *Engine) ListNetworkPools(ctx context.Context, f PoolFilter) ([]*NetworkPool, error) {
	recs, err := e.store.List(ctx, NetworkPoolsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*NetworkPool
	for i := range recs {
		pool := &NetworkPool{}
		if err := decode(&recs[i], pool); err != nil {
			return nil, err
		}
		if f.Name != "" && pool.Name != f.Name {
			continue
		}
		if f.NetworkUUID != "" && !containsString(pool.Networks, f.NetworkUUID) {
			continue
		}
		if f.ProvisionableBy != "" {
			ok, err := e.poolProvisionableBy(ctx, pool, f.ProvisionableBy)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if err := e.derivePoolTags(ctx, pool); err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	out = applyWindow(out, f.Offset, f.Limit)
	return out, nil
}

func (e *Engine) poolProvisionableBy(ctx context.Context, pool *NetworkPool, owner string) (bool, error) {
	for _, nu := range pool.Networks {
		n, err := e.GetNetwork(ctx, nu)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return false, err
		}
		if n.OwnedBy(owner, e.cfg.AdminOwnerUUID) {
			return true, nil
		}
	}
	return false, nil
}

// UpdatePoolParams are the mutable pool fields.
type UpdatePoolParams struct {
	Name        *string
	Networks    *[]string
	Description *string
	IfMatch     string
}

// UpdateNetworkPool applies a partial update under the pool's etag.
func (e *Engine) UpdateNetworkPool(ctx context.Context, poolUUID string, p UpdatePoolParams) (*NetworkPool, error) {
	pool, err := e.GetNetworkPool(ctx, poolUUID)
	if err != nil {
		return nil, err
	}
	if err := checkIfMatch(pool.Etag, p.IfMatch); err != nil {
		return nil, err
	}
	if p.Name != nil {
		pool.Name = *p.Name
	}
	if p.Networks != nil {
		if err := e.checkPoolMembers(ctx, *p.Networks); err != nil {
			return nil, err
		}
		pool.Networks = *p.Networks
	}
	if p.Description != nil {
		pool.Description = *p.Description
	}
	pool.NicTagsPresent = nil
	err = store.Put(ctx, e.store, NetworkPoolsBucket, poolUUID, "", encode(pool), store.MatchEtag(pool.Etag))
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, &util.PreconditionFailedError{Etag: pool.Etag, Incoming: p.IfMatch}
		}
		return nil, err
	}
	return e.GetNetworkPool(ctx, poolUUID)
}

// DeleteNetworkPool removes a pool. Pools hold non-owning references, so
// member networks never block deletion.
func (e *Engine) DeleteNetworkPool(ctx context.Context, poolUUID, ifMatch string) error {
	pool, err := e.GetNetworkPool(ctx, poolUUID)
	if err != nil {
		return err
	}
	if err := checkIfMatch(pool.Etag, ifMatch); err != nil {
		return err
	}
	if err := store.Delete(ctx, e.store, NetworkPoolsBucket, poolUUID, store.MatchEtag(pool.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: pool.Etag, Incoming: ifMatch}
		}
		return err
	}
	return nil
}

// NetworkTuple is the compatibility key a network contributes to pool
// intersection.
type NetworkTuple struct {
	NicTag string  `json:"nic_tag"`
	VLANID int     `json:"vlan_id"`
	VnetID *uint32 `json:"vnet_id,omitempty"`
	MTU    int     `json:"mtu"`
}

func (t NetworkTuple) key() string {
	vnet := "-"
	if t.VnetID != nil {
		vnet = fmt.Sprintf("%d", *t.VnetID)
	}
	return fmt.Sprintf("%s/%d/%s/%d", t.NicTag, t.VLANID, vnet, t.MTU)
}

// TupleFilter narrows the tuples a pool contributes to an intersection.
type TupleFilter struct {
	NicTag           string
	NicTagsAvailable []string
	MTU              *int
	VLANID           *int
	VnetID           *uint32
}

func (f *TupleFilter) constrainsTags() bool {
	return f.NicTag != "" || len(f.NicTagsAvailable) > 0
}

func (f *TupleFilter) admits(t NetworkTuple) bool {
	if f.NicTag != "" && t.NicTag != f.NicTag {
		return false
	}
	if len(f.NicTagsAvailable) > 0 && !containsString(f.NicTagsAvailable, t.NicTag) {
		return false
	}
	if f.MTU != nil && t.MTU != *f.MTU {
		return false
	}
	if f.VLANID != nil && t.VLANID != *f.VLANID {
		return false
	}
	if f.VnetID != nil && (t.VnetID == nil || *t.VnetID != *f.VnetID) {
		return false
	}
	return true
}

// IntersectPools computes the (nic_tag, vlan_id, vnet_id, mtu) tuples usable
// across every named pool. A pool whose filtered tuple set is empty fails
// constraints; a pool spanning several nic tags needs the filter to pick
// one; an empty final intersection has no usable tuple at all.
func (e *Engine) IntersectPools(ctx context.Context, poolUUIDs []string, f TupleFilter) ([]NetworkTuple, error) {
	var result map[string]NetworkTuple

	for _, pu := range poolUUIDs {
		pool, err := e.GetNetworkPool(ctx, pu)
		if err != nil {
			return nil, err
		}
		tuples, err := e.poolTuples(ctx, pool, f)
		if err != nil {
			return nil, err
		}
		if len(tuples) == 0 {
			return nil, &PoolConstraintError{Code: PoolFailsConstraints, PoolUUID: pu}
		}
		if !f.constrainsTags() && distinctTags(tuples) > 1 {
			return nil, &PoolConstraintError{Code: PoolNicTagsAmbiguous, PoolUUID: pu}
		}
		if result == nil {
			result = tuples
			continue
		}
		for k := range result {
			if _, ok := tuples[k]; !ok {
				delete(result, k)
			}
		}
	}
	if len(result) == 0 {
		return nil, &PoolConstraintError{Code: NoPoolIntersection}
	}

	out := make([]NetworkTuple, 0, len(result))
	for _, t := range result {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, nil
}

func (e *Engine) poolTuples(ctx context.Context, pool *NetworkPool, f TupleFilter) (map[string]NetworkTuple, error) {
	tuples := map[string]NetworkTuple{}
	for _, nu := range pool.Networks {
		n, err := e.GetNetwork(ctx, nu)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return nil, err
		}
		t := NetworkTuple{NicTag: n.NicTag, VLANID: n.VLANID, VnetID: n.VnetID, MTU: n.MTU}
		if f.admits(t) {
			tuples[t.key()] = t
		}
	}
	return tuples, nil
}

func distinctTags(tuples map[string]NetworkTuple) int {
	tags := map[string]bool{}
	for _, t := range tuples {
		tags[t.NicTag] = true
	}
	return len(tags)
}

// poolNetworks returns the pool's member networks the owner may provision
// on, in member order.
func (e *Engine) poolNetworks(ctx context.Context, pool *NetworkPool, owner string) ([]*Network, error) {
	var out []*Network
	for _, nu := range pool.Networks {
		n, err := e.GetNetwork(ctx, nu)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if n.OwnedBy(owner, e.cfg.AdminOwnerUUID) {
			out = append(out, n)
		}
	}
	return out, nil
}
