package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// DefaultMTU is the MTU a nic tag gets when none is specified.
const DefaultMTU = 1500

// CreateNicTag registers a nic tag. Tags are keyed by name.
func (e *Engine) CreateNicTag(ctx context.Context, name string, mtu int) (*NicTag, error) {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	tag := &NicTag{
		UUID: uuid.NewString(),
		Name: name,
		MTU:  mtu,
	}
	err := store.Put(ctx, e.store, NicTagsBucket, name, "", encode(tag), store.CreateOnly())
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(
				util.DuplicateParam("name", fmt.Sprintf("nic tag %q already exists", name)))
		}
		return nil, err
	}
	return e.GetNicTag(ctx, name)
}

// GetNicTag fetches a nic tag by name.
func (e *Engine) GetNicTag(ctx context.Context, name string) (*NicTag, error) {
	rec, err := e.store.Get(ctx, NicTagsBucket, name)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("nic tag", name)
		}
		return nil, err
	}
	tag := &NicTag{}
	if err := decode(rec, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// ListNicTags returns all nic tags in name order.
func (e *Engine) ListNicTags(ctx context.Context) ([]*NicTag, error) {
	recs, err := e.store.List(ctx, NicTagsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	out := make([]*NicTag, 0, len(recs))
	for i := range recs {
		tag := &NicTag{}
		if err := decode(&recs[i], tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, nil
}

// UpdateNicTagParams are the mutable nic tag fields.
type UpdateNicTagParams struct {
	Name    *string
	MTU     *int
	IfMatch string
}

// UpdateNicTag updates a nic tag. Renaming is refused while networks carry
// the tag; lowering the MTU below a member network's MTU is refused too.
func (e *Engine) UpdateNicTag(ctx context.Context, name string, p UpdateNicTagParams) (*NicTag, error) {
	tag, err := e.GetNicTag(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkIfMatch(tag.Etag, p.IfMatch); err != nil {
		return nil, err
	}

	users, err := e.nicTagUsers(ctx, name)
	if err != nil {
		return nil, err
	}
	if p.Name != nil && *p.Name != tag.Name {
		if len(users) > 0 {
			return nil, util.NewInUseError("nic tag "+name, users...)
		}
		tag.Name = *p.Name
	}
	if p.MTU != nil {
		nets, err := e.ListNetworks(ctx, NetworkFilter{NicTag: name})
		if err != nil {
			return nil, err
		}
		for _, n := range nets {
			if n.MTU > *p.MTU {
				return nil, util.NewInvalidParamsError(util.InvalidParam("mtu",
					fmt.Sprintf("network %s has mtu %d", n.UUID, n.MTU)))
			}
		}
		tag.MTU = *p.MTU
	}

	if tag.Name != name {
		// A rename moves the record to its new key.
		err = e.store.Batch(ctx, []store.Op{
			{Bucket: NicTagsBucket, Key: name, Delete: true, Precond: store.MatchEtag(tag.Etag)},
			{Bucket: NicTagsBucket, Key: tag.Name, Value: encode(tag), Precond: store.CreateOnly()},
		})
	} else {
		err = store.Put(ctx, e.store, NicTagsBucket, name, "", encode(tag), store.MatchEtag(tag.Etag))
	}
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, &util.PreconditionFailedError{Etag: tag.Etag, Incoming: p.IfMatch}
		}
		return nil, err
	}
	return e.GetNicTag(ctx, tag.Name)
}

// DeleteNicTag removes a nic tag that no network or NIC references.
func (e *Engine) DeleteNicTag(ctx context.Context, name string, ifMatch string) error {
	tag, err := e.GetNicTag(ctx, name)
	if err != nil {
		return err
	}
	if err := checkIfMatch(tag.Etag, ifMatch); err != nil {
		return err
	}
	users, err := e.nicTagUsers(ctx, name)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return util.NewInUseError("nic tag "+name, users...)
	}
	if err := store.Delete(ctx, e.store, NicTagsBucket, name, store.MatchEtag(tag.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: tag.Etag, Incoming: ifMatch}
		}
		return err
	}
	return nil
}

// nicTagUsers collects the networks and NICs holding a reference to a tag.
func (e *Engine) nicTagUsers(ctx context.Context, name string) ([]util.UsedBy, error) {
	var users []util.UsedBy
	nets, err := e.ListNetworks(ctx, NetworkFilter{NicTag: name})
	if err != nil {
		return nil, err
	}
	for _, n := range nets {
		users = append(users, util.UsedBy{Type: "network", UUID: n.UUID})
	}
	nics, err := e.ListNICs(ctx, NICFilter{})
	if err != nil {
		return nil, err
	}
	for _, n := range nics {
		if n.NicTag == name || containsString(n.NicTagsProvided, name) {
			users = append(users, util.UsedBy{Type: "nic", UUID: n.BelongsToUUID})
		}
	}
	return users, nil
}
