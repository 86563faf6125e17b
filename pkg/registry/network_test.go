package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/netreg-cloud/netreg/pkg/util"
)

func TestCreateNetworkOverlapRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	_, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "overlapping",
		NicTag:         "t",
		VLANID:         46,
		Subnet:         mustPrefix("10.0.2.128/25"),
		ProvisionStart: mustAddr("10.0.2.130"),
		ProvisionEnd:   mustAddr("10.0.2.200"),
	})
	var invalid *util.InvalidParamsError
	if !errors.As(err, &invalid) {
		t.Fatalf("overlap error = %v", err)
	}
	if invalid.Errors[0].Field != "subnet" {
		t.Errorf("overlap field error = %+v", invalid.Errors[0])
	}

	// Same subnet on a different VLAN is a distinct broadcast domain.
	if _, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "other-vlan",
		NicTag:         "t",
		VLANID:         47,
		Subnet:         mustPrefix("10.0.2.0/24"),
		ProvisionStart: mustAddr("10.0.2.5"),
		ProvisionEnd:   mustAddr("10.0.2.250"),
	}); err != nil {
		t.Errorf("same subnet on other VLAN: %v", err)
	}
}

func TestCreateNetworkFabricOverlapAllowed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	vnet := uint32(12345)
	if _, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "fabric-overlay",
		NicTag:         "t",
		VLANID:         46,
		VnetID:         &vnet,
		Subnet:         mustPrefix("10.0.2.0/24"),
		ProvisionStart: mustAddr("10.0.2.5"),
		ProvisionEnd:   mustAddr("10.0.2.250"),
		Fabric:         true,
		OwnerUUIDs:     []string{testOwner},
	}); err != nil {
		t.Errorf("fabric overlay rejected: %v", err)
	}
}

func TestCreateNetworkBadProvisionRange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	if _, err := e.CreateNicTag(ctx, "t", 1500); err != nil {
		t.Fatalf("CreateNicTag: %v", err)
	}

	tests := []struct {
		name       string
		start, end string
		field      string
	}{
		// An out-of-subnet endpoint reports only the membership error;
		// range order is not judged against an endpoint that is already
		// invalid.
		{"start outside subnet", "10.0.3.5", "10.0.2.250", "provision_start"},
		{"end outside subnet", "10.0.2.5", "10.0.3.250", "provision_end"},
		{"inverted range", "10.0.2.250", "10.0.2.5", "provision_end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateNetwork(ctx, CreateNetworkParams{
				Name:           "bad",
				NicTag:         "t",
				VLANID:         46,
				Subnet:         mustPrefix("10.0.2.0/24"),
				ProvisionStart: mustAddr(tt.start),
				ProvisionEnd:   mustAddr(tt.end),
			})
			var invalid *util.InvalidParamsError
			if !errors.As(err, &invalid) {
				t.Fatalf("error = %v", err)
			}
			if len(invalid.Errors) != 1 {
				t.Fatalf("errors = %+v, want exactly one", invalid.Errors)
			}
			if invalid.Errors[0].Field != tt.field {
				t.Errorf("field = %q, want %q", invalid.Errors[0].Field, tt.field)
			}
		})
	}
}

func TestCreateNetworkMTUBoundByNicTag(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	if _, err := e.CreateNicTag(ctx, "small", 1500); err != nil {
		t.Fatalf("CreateNicTag: %v", err)
	}

	_, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "jumbo",
		NicTag:         "small",
		VLANID:         46,
		Subnet:         mustPrefix("10.0.2.0/24"),
		ProvisionStart: mustAddr("10.0.2.5"),
		ProvisionEnd:   mustAddr("10.0.2.250"),
		MTU:            9000,
	})
	if !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("oversized MTU error = %v, want InvalidParams", err)
	}

	n := mustNetwork(t, e, "small", "10.0.3.0/24", "10.0.3.5", "10.0.3.250", 46)
	if n.MTU != 1500 {
		t.Errorf("defaulted MTU = %d, want nic tag's 1500", n.MTU)
	}
}

func TestDeleteNetworkInUse(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	nic, err := e.CreateNIC(ctx, CreateNICParams{
		OwnerUUID:     testOwner,
		BelongsToType: BelongsToZone,
		BelongsToUUID: testZone,
		NetworkUUID:   n.UUID,
	})
	if err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}

	err = e.DeleteNetwork(ctx, n.UUID, "")
	var inUse *util.InUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("delete of used network = %v, want InUse", err)
	}
	found := false
	for _, u := range inUse.UsedBy {
		if u.UUID == testZone {
			found = true
		}
	}
	if !found {
		t.Errorf("InUse does not name the assignee: %+v", inUse.UsedBy)
	}

	if err := e.DeleteNIC(ctx, nic.MAC, ""); err != nil {
		t.Fatalf("DeleteNIC: %v", err)
	}
	if err := e.DeleteNetwork(ctx, n.UUID, ""); err != nil {
		t.Fatalf("DeleteNetwork after freeing: %v", err)
	}
	if _, err := e.GetNetwork(ctx, n.UUID); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("GetNetwork after delete = %v, want NotFound", err)
	}
}

func TestUpdateNetworkEtagContract(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	name := "renamed"
	updated, err := e.UpdateNetwork(ctx, n.UUID, UpdateNetworkParams{Name: &name})
	if err != nil {
		t.Fatalf("UpdateNetwork: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %q after update", updated.Name)
	}
	if updated.Etag == n.Etag {
		t.Error("etag unchanged across a mutation")
	}

	// A stale If-Match is refused without touching the record.
	other := "stale-again"
	_, err = e.UpdateNetwork(ctx, n.UUID, UpdateNetworkParams{Name: &other, IfMatch: n.Etag})
	var pre *util.PreconditionFailedError
	if !errors.As(err, &pre) {
		t.Fatalf("stale If-Match error = %v", err)
	}
	cur, err := e.GetNetwork(ctx, n.UUID)
	if err != nil {
		t.Fatalf("GetNetwork: %v", err)
	}
	if cur.Name != "renamed" {
		t.Errorf("record mutated despite failed precondition: %q", cur.Name)
	}

	// The current etag is accepted.
	if _, err := e.UpdateNetwork(ctx, n.UUID, UpdateNetworkParams{Name: &other, IfMatch: updated.Etag}); err != nil {
		t.Errorf("update with current etag: %v", err)
	}
}

func TestFindNetworkByTagVLAN(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	got, err := e.findNetworkByTagVLAN(ctx, "t", 46)
	if err != nil {
		t.Fatalf("findNetworkByTagVLAN: %v", err)
	}
	if got.UUID != n.UUID {
		t.Errorf("resolved %s, want %s", got.UUID, n.UUID)
	}

	// A second network on the same pair makes the lookup ambiguous.
	if _, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "second",
		NicTag:         "t",
		VLANID:         46,
		Subnet:         mustPrefix("10.0.9.0/24"),
		ProvisionStart: mustAddr("10.0.9.5"),
		ProvisionEnd:   mustAddr("10.0.9.250"),
	}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	if _, err := e.findNetworkByTagVLAN(ctx, "t", 46); !errors.Is(err, util.ErrInvalidParams) {
		t.Errorf("ambiguous lookup error = %v, want InvalidParams", err)
	}
}

func TestListNetworksFilters(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	a := mustNetwork(t, e, "ta", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)
	mustNetwork(t, e, "tb", "10.0.3.0/24", "10.0.3.5", "10.0.3.250", 47)

	byTag, err := e.ListNetworks(ctx, NetworkFilter{NicTag: "ta"})
	if err != nil {
		t.Fatalf("ListNetworks: %v", err)
	}
	if len(byTag) != 1 || byTag[0].UUID != a.UUID {
		t.Errorf("NicTag filter returned %d networks", len(byTag))
	}

	vlan := 47
	byVLAN, err := e.ListNetworks(ctx, NetworkFilter{VLANID: &vlan})
	if err != nil {
		t.Fatalf("ListNetworks: %v", err)
	}
	if len(byVLAN) != 1 || byVLAN[0].VLANID != 47 {
		t.Errorf("VLANID filter returned %d networks", len(byVLAN))
	}

	windowed, err := e.ListNetworks(ctx, NetworkFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListNetworks: %v", err)
	}
	if len(windowed) != 1 {
		t.Errorf("limit/offset window returned %d networks", len(windowed))
	}
}
