package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/netreg-cloud/netreg/pkg/addr"
	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

func TestAllocateSequentialFromProvisionStart(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	for i, want := range []string{"10.0.2.5", "10.0.2.6", "10.0.2.7"} {
		rec, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
		if err != nil {
			t.Fatalf("AllocateIP #%d: %v", i, err)
		}
		if rec.Address.String() != want {
			t.Errorf("allocation #%d = %s, want %s", i, rec.Address, want)
		}
		if rec.BelongsToUUID != testZone || rec.OwnerUUID != testOwner {
			t.Errorf("allocation #%d ownership = %+v", i, rec)
		}
	}
}

func TestAllocateGapFirstAfterFree(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	for i := 0; i < 3; i++ {
		if _, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone); err != nil {
			t.Fatalf("AllocateIP: %v", err)
		}
	}
	// Free the second address. Its tombstone keeps the record in place, so
	// the next allocation takes the gap at .8 instead of reusing .6.
	op, err := e.freeIPOp(ctx, n.UUID, mustAddr("10.0.2.6"), testZone)
	if err != nil || op == nil {
		t.Fatalf("freeIPOp: op=%v err=%v", op, err)
	}
	if err := e.store.Batch(ctx, []store.Op{*op}); err != nil {
		t.Fatalf("Batch: %v", err)
	}

	rec, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if rec.Address.String() != "10.0.2.8" {
		t.Errorf("allocation after free = %s, want 10.0.2.8", rec.Address)
	}
}

func TestAllocateFreedOldestAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.10", 46)

	for i := 5; i <= 10; i++ {
		rec, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
		if err != nil {
			t.Fatalf("AllocateIP: %v", err)
		}
		if want := fmt.Sprintf("10.0.2.%d", i); rec.Address.String() != want {
			t.Fatalf("allocation = %s, want %s", rec.Address, want)
		}
	}

	// Free .7 then .6: .7 has the older free mtime and must win.
	for _, ip := range []string{"10.0.2.7", "10.0.2.6"} {
		op, err := e.freeIPOp(ctx, n.UUID, mustAddr(ip), testZone)
		if err != nil || op == nil {
			t.Fatalf("freeIPOp(%s): op=%v err=%v", ip, op, err)
		}
		if err := e.store.Batch(ctx, []store.Op{*op}); err != nil {
			t.Fatalf("Batch: %v", err)
		}
	}

	rec, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if rec.Address.String() != "10.0.2.7" {
		t.Errorf("freed reuse = %s, want 10.0.2.7 (oldest free)", rec.Address)
	}
	rec, err = e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if rec.Address.String() != "10.0.2.6" {
		t.Errorf("freed reuse = %s, want 10.0.2.6", rec.Address)
	}

	if _, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone); !errors.Is(err, util.ErrSubnetFull) {
		t.Errorf("exhausted network error = %v, want SubnetFull", err)
	}
}

func TestAllocateSubnetFullOnRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{IPRetries: 3})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	e.store = &conflictStore{Store: e.store, bucket: IPBucket(n.UUID), conflicts: 3}
	if _, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone); !errors.Is(err, util.ErrSubnetFull) {
		t.Errorf("error after exhausted retries = %v, want SubnetFull", err)
	}
}

func TestAllocateSurvivesLostRaces(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{IPRetries: 3})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	e.store = &conflictStore{Store: e.store, bucket: IPBucket(n.UUID), conflicts: 2}
	rec, err := e.AllocateIP(ctx, n, testOwner, BelongsToZone, testZone)
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if rec.Address.String() != "10.0.2.5" {
		t.Errorf("allocation = %s, want 10.0.2.5", rec.Address)
	}
}

func TestSeededSentinels(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	if _, err := e.CreateNicTag(ctx, "t", 1500); err != nil {
		t.Fatalf("CreateNicTag: %v", err)
	}
	gw := mustAddr("10.0.2.1")
	n, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "seeded",
		NicTag:         "t",
		VLANID:         46,
		Subnet:         mustPrefix("10.0.2.0/24"),
		ProvisionStart: mustAddr("10.0.2.5"),
		ProvisionEnd:   mustAddr("10.0.2.250"),
		Gateway:        &gw,
	})
	if err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	tests := []struct {
		ip       string
		reserved bool
	}{
		{"10.0.2.1", true},   // gateway
		{"10.0.2.255", true}, // broadcast
		{"10.0.2.4", true},   // range lower anchor
		{"10.0.2.251", true}, // range upper anchor
	}
	for _, tt := range tests {
		rec, err := e.GetIP(ctx, n, mustAddr(tt.ip))
		if err != nil {
			t.Errorf("GetIP(%s): %v", tt.ip, err)
			continue
		}
		if rec.Reserved != tt.reserved {
			t.Errorf("sentinel %s = %+v", tt.ip, rec)
		}
	}
}

func TestSpecificIPClaim(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	n := mustNetwork(t, e, "t", "10.0.2.0/24", "10.0.2.5", "10.0.2.250", 46)

	want := mustAddr("10.0.2.33")
	rec, op, err := e.ipOpForAddress(ctx, n, want, testOwner, BelongsToZone, testZone)
	if err != nil {
		t.Fatalf("ipOpForAddress: %v", err)
	}
	if err := e.store.Batch(ctx, []store.Op{op}); err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if rec.Address != want {
		t.Errorf("claimed %s, want %s", rec.Address, want)
	}

	// A second claim of the same address fails with a usedBy field error.
	_, _, err = e.ipOpForAddress(ctx, n, want, testOwner, BelongsToZone, testZone2)
	var invalid *util.InvalidParamsError
	if !errors.As(err, &invalid) {
		t.Fatalf("double claim error = %v", err)
	}
	fe := invalid.Errors[0]
	if fe.Field != "ip" || fe.Code != util.CodeUsedBy || len(fe.UsedBy) != 1 || fe.UsedBy[0].UUID != testZone {
		t.Errorf("usedBy error = %+v", fe)
	}
}

func TestAllocatorOUIAndDeterminism(t *testing.T) {
	e := newTestEngine(t, Config{})
	m := e.nextMAC()
	if m.OUI() != 0x90b8d0 {
		t.Errorf("generated MAC OUI = %06x, want 90b8d0", m.OUI())
	}
	if got := addr.MACFromOUI(0x90b8d0, 1); m != got {
		t.Errorf("first generated MAC = %s, want %s", m, got)
	}
}
