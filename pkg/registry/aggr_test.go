package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/util"
)

func mustServerNIC(t *testing.T, e *Engine, server string) *NIC {
	t.Helper()
	nic, err := e.CreateNIC(context.Background(), CreateNICParams{
		OwnerUUID:     testOwner,
		BelongsToType: BelongsToServer,
		BelongsToUUID: server,
	})
	if err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	return nic
}

func TestCreateAggregation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustServerNIC(t, e, testServer)
	b := mustServerNIC(t, e, testServer)

	aggr, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, b.MAC},
	})
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}
	if aggr.ID != AggrID(testServer, "aggr0") {
		t.Errorf("id = %q, want %q", aggr.ID, AggrID(testServer, "aggr0"))
	}
	if aggr.BelongsToUUID != testServer {
		t.Errorf("belongs_to = %q, want %q", aggr.BelongsToUUID, testServer)
	}
	if aggr.LACPMode != LACPOff {
		t.Errorf("default lacp_mode = %q, want %q", aggr.LACPMode, LACPOff)
	}

	// Same name on the same server is a duplicate.
	if _, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, b.MAC},
	}); !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("duplicate aggregation error = %v, want InvalidParams", err)
	}
}

func TestCreateAggregationMemberChecks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustServerNIC(t, e, testServer)
	other := mustServerNIC(t, e, testZone2)

	// One NIC is not a bond.
	if _, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC},
	}); !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("single member error = %v, want InvalidParams", err)
	}

	// Members spanning two servers are refused.
	_, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, other.MAC},
	})
	var invalid *util.InvalidParamsError
	if !errors.As(err, &invalid) {
		t.Fatalf("cross-server error = %v", err)
	}
	if invalid.Errors[0].Field != "macs" {
		t.Errorf("cross-server field error = %+v", invalid.Errors[0])
	}

	// A zone NIC cannot be a member.
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)
	zoneNIC, err := e.CreateNIC(ctx, CreateNICParams{
		OwnerUUID:     testOwner,
		BelongsToType: BelongsToZone,
		BelongsToUUID: testZone,
		NetworkUUID:   n.UUID,
	})
	if err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	if _, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, zoneNIC.MAC},
	}); !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("zone member error = %v, want InvalidParams", err)
	}
}

func TestUpdateAggregationPinnedToServer(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustServerNIC(t, e, testServer)
	b := mustServerNIC(t, e, testServer)
	c := mustServerNIC(t, e, testServer)
	foreign := mustServerNIC(t, e, testZone2)

	aggr, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, b.MAC},
	})
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}

	macs := []addr.MAC{a.MAC, b.MAC, c.MAC}
	updated, err := e.UpdateAggregation(ctx, aggr.ID, UpdateAggrParams{MACs: &macs})
	if err != nil {
		t.Fatalf("UpdateAggregation: %v", err)
	}
	if len(updated.MACs) != 3 {
		t.Errorf("members = %d after update, want 3", len(updated.MACs))
	}

	// A member on another server cannot join.
	bad := []addr.MAC{a.MAC, foreign.MAC}
	if _, err := e.UpdateAggregation(ctx, aggr.ID, UpdateAggrParams{MACs: &bad}); !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("foreign member error = %v, want InvalidParams", err)
	}
}

func TestListAggregationsByMAC(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustServerNIC(t, e, testServer)
	b := mustServerNIC(t, e, testServer)
	c := mustServerNIC(t, e, testZone2)
	d := mustServerNIC(t, e, testZone2)

	if _, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0", MACs: []addr.MAC{a.MAC, b.MAC},
	}); err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}
	if _, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0", MACs: []addr.MAC{c.MAC, d.MAC},
	}); err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}

	got, err := e.ListAggregations(ctx, AggrFilter{MAC: &a.MAC})
	if err != nil {
		t.Fatalf("ListAggregations: %v", err)
	}
	if len(got) != 1 || got[0].BelongsToUUID != testServer {
		t.Errorf("MAC filter returned %d aggregations", len(got))
	}

	all, err := e.ListAggregations(ctx, AggrFilter{})
	if err != nil {
		t.Fatalf("ListAggregations: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered list returned %d aggregations", len(all))
	}
}

func TestDeleteAggregation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustServerNIC(t, e, testServer)
	b := mustServerNIC(t, e, testServer)

	aggr, err := e.CreateAggregation(ctx, CreateAggrParams{
		Name: "aggr0",
		MACs: []addr.MAC{a.MAC, b.MAC},
	})
	if err != nil {
		t.Fatalf("CreateAggregation: %v", err)
	}

	if err := e.DeleteAggregation(ctx, aggr.ID, "stale"); !errors.Is(err, util.ErrPreconditionFailed) {
		t.Errorf("stale If-Match delete = %v, want PreconditionFailed", err)
	}
	if err := e.DeleteAggregation(ctx, aggr.ID, aggr.Etag); err != nil {
		t.Fatalf("DeleteAggregation: %v", err)
	}
	if _, err := e.GetAggregation(ctx, aggr.ID); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("GetAggregation after delete = %v, want NotFound", err)
	}
}
