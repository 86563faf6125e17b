package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// CreateAggrParams are the validated inputs for CreateAggregation.
type CreateAggrParams struct {
	Name            string
	MACs            []addr.MAC
	LACPMode        string
	NicTagsProvided []string
}

// CreateAggregation registers a LACP bond. Every member MAC must name a NIC
// on the same compute node; the node is derived from the members.
func (e *Engine) CreateAggregation(ctx context.Context, p CreateAggrParams) (*Aggregation, error) {
	if len(p.MACs) < 2 {
		return nil, util.NewInvalidParamsError(
			util.InvalidParam("macs", "aggregation needs at least two NICs"))
	}
	cnUUID, err := e.checkAggrMembers(ctx, p.MACs, "")
	if err != nil {
		return nil, err
	}

	aggr := &Aggregation{
		ID:              AggrID(cnUUID, p.Name),
		BelongsToUUID:   cnUUID,
		Name:            p.Name,
		MACs:            p.MACs,
		LACPMode:        p.LACPMode,
		NicTagsProvided: p.NicTagsProvided,
	}
	if aggr.LACPMode == "" {
		aggr.LACPMode = LACPOff
	}
	err = store.Put(ctx, e.store, AggrsBucket, aggr.ID, "", encode(aggr), store.CreateOnly())
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, util.NewInvalidParamsError(
				util.DuplicateParam("name", fmt.Sprintf("aggregation %q already exists on server %s", p.Name, cnUUID)))
		}
		return nil, err
	}
	return e.GetAggregation(ctx, aggr.ID)
}

// checkAggrMembers verifies every MAC names a server NIC and that all
// members share one compute node, returning that node's UUID. A non-empty
// wantCN pins the expected node.
func (e *Engine) checkAggrMembers(ctx context.Context, macs []addr.MAC, wantCN string) (string, error) {
	var errs []util.FieldError
	cn := wantCN
	for _, m := range macs {
		nic, err := e.GetNIC(ctx, m)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				errs = append(errs, util.InvalidParam("macs", fmt.Sprintf("unknown nic %s", m)))
				continue
			}
			return "", err
		}
		if nic.BelongsToType != BelongsToServer {
			errs = append(errs, util.InvalidParam("macs",
				fmt.Sprintf("nic %s does not belong to a server", m)))
			continue
		}
		if cn == "" {
			cn = nic.BelongsToUUID
		} else if nic.BelongsToUUID != cn {
			errs = append(errs, util.InvalidParam("macs",
				fmt.Sprintf("nic %s belongs to a different server", m)))
		}
	}
	if len(errs) > 0 {
		return "", util.NewInvalidParamsError(errs...)
	}
	return cn, nil
}

// GetAggregation fetches an aggregation by its <cn_uuid>-<name> id.
func (e *Engine) GetAggregation(ctx context.Context, id string) (*Aggregation, error) {
	rec, err := e.store.Get(ctx, AggrsBucket, id)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, util.NewNotFoundError("aggregation", id)
		}
		return nil, err
	}
	aggr := &Aggregation{}
	if err := decode(rec, aggr); err != nil {
		return nil, err
	}
	return aggr, nil
}

// AggrFilter selects aggregations in ListAggregations.
type AggrFilter struct {
	BelongsToUUID string
	MAC           *addr.MAC
	NicTag        string
	Limit         int
	Offset        int
}

// ListAggregations returns aggregations matching the filter in id order.
func (e *Engine) ListAggregations(ctx context.Context, f AggrFilter) ([]*Aggregation, error) {
	recs, err := e.store.List(ctx, AggrsBucket, store.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*Aggregation
	for i := range recs {
		aggr := &Aggregation{}
		if err := decode(&recs[i], aggr); err != nil {
			return nil, err
		}
		if f.BelongsToUUID != "" && aggr.BelongsToUUID != f.BelongsToUUID {
			continue
		}
		if f.MAC != nil && !containsMAC(aggr.MACs, *f.MAC) {
			continue
		}
		if f.NicTag != "" && !containsString(aggr.NicTagsProvided, f.NicTag) {
			continue
		}
		out = append(out, aggr)
	}
	out = applyWindow(out, f.Offset, f.Limit)
	return out, nil
}

func containsMAC(list []addr.MAC, m addr.MAC) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

// UpdateAggrParams are the mutable aggregation fields.
type UpdateAggrParams struct {
	MACs            *[]addr.MAC
	LACPMode        *string
	NicTagsProvided *[]string
	IfMatch         string
}

// UpdateAggregation applies a partial update under the aggregation's etag.
func (e *Engine) UpdateAggregation(ctx context.Context, id string, p UpdateAggrParams) (*Aggregation, error) {
	aggr, err := e.GetAggregation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkIfMatch(aggr.Etag, p.IfMatch); err != nil {
		return nil, err
	}
	if p.MACs != nil {
		if len(*p.MACs) < 2 {
			return nil, util.NewInvalidParamsError(
				util.InvalidParam("macs", "aggregation needs at least two NICs"))
		}
		if _, err := e.checkAggrMembers(ctx, *p.MACs, aggr.BelongsToUUID); err != nil {
			return nil, err
		}
		aggr.MACs = *p.MACs
	}
	if p.LACPMode != nil {
		aggr.LACPMode = *p.LACPMode
	}
	if p.NicTagsProvided != nil {
		aggr.NicTagsProvided = *p.NicTagsProvided
	}
	err = store.Put(ctx, e.store, AggrsBucket, id, "", encode(aggr), store.MatchEtag(aggr.Etag))
	if err != nil {
		if errors.Is(err, util.ErrConflict) {
			return nil, &util.PreconditionFailedError{Etag: aggr.Etag, Incoming: p.IfMatch}
		}
		return nil, err
	}
	return e.GetAggregation(ctx, id)
}

// DeleteAggregation removes an aggregation.
func (e *Engine) DeleteAggregation(ctx context.Context, id, ifMatch string) error {
	aggr, err := e.GetAggregation(ctx, id)
	if err != nil {
		return err
	}
	if err := checkIfMatch(aggr.Etag, ifMatch); err != nil {
		return err
	}
	if err := store.Delete(ctx, e.store, AggrsBucket, id, store.MatchEtag(aggr.Etag)); err != nil {
		if errors.Is(err, util.ErrConflict) {
			return &util.PreconditionFailedError{Etag: aggr.Etag, Incoming: ifMatch}
		}
		return err
	}
	return nil
}
