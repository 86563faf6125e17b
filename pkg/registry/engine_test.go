package registry

import (
	"context"
	"net/netip"
	"testing"

	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

const (
	testOwner  = "c8d0b1aa-92cc-4f77-8a0a-000000000001"
	testZone   = "c8d0b1aa-92cc-4f77-8a0a-000000000002"
	testZone2  = "c8d0b1aa-92cc-4f77-8a0a-000000000003"
	testServer = "c8d0b1aa-92cc-4f77-8a0a-000000000004"
	testAdmin  = "c8d0b1aa-92cc-4f77-8a0a-00000000admin"
)

// newTestEngine builds an engine over the in-memory store with a
// deterministic MAC host source.
func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.OUI == 0 {
		cfg.OUI = 0x90b8d0
	}
	if cfg.AdminOwnerUUID == "" {
		cfg.AdminOwnerUUID = testAdmin
	}
	if cfg.Rand == nil {
		seq := uint32(0)
		cfg.Rand = func() uint32 { seq++; return seq }
	}
	e := New(store.NewMemStore(), cfg)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e
}

// mustNetwork creates the nic tag (if missing) and a network on it.
func mustNetwork(t *testing.T, e *Engine, nicTag, subnet, start, end string, vlan int) *Network {
	t.Helper()
	ctx := context.Background()
	if _, err := e.GetNicTag(ctx, nicTag); err != nil {
		if _, err := e.CreateNicTag(ctx, nicTag, 1500); err != nil {
			t.Fatalf("CreateNicTag: %v", err)
		}
	}
	n, err := e.CreateNetwork(ctx, CreateNetworkParams{
		Name:           "net-" + nicTag,
		NicTag:         nicTag,
		VLANID:         vlan,
		Subnet:         netip.MustParsePrefix(subnet),
		ProvisionStart: netip.MustParseAddr(start),
		ProvisionEnd:   netip.MustParseAddr(end),
	})
	if err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	return n
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

// conflictStore wraps a Store and fails the first n batches with a
// precondition conflict on the given bucket.
type conflictStore struct {
	store.Store
	bucket    store.Bucket
	conflicts int
}

func (s *conflictStore) Batch(ctx context.Context, ops []store.Op) error {
	if s.conflicts > 0 {
		s.conflicts--
		return conflictErr(s.bucket, ops)
	}
	return s.Store.Batch(ctx, ops)
}

func conflictErr(b store.Bucket, ops []store.Op) error {
	key := ""
	for _, op := range ops {
		if op.Bucket.Name == b.Name {
			key = op.Key
			break
		}
	}
	return &util.ConflictError{Bucket: b.Name, Key: key}
}
