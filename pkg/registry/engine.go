package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/netreg-cloud/netreg/pkg/store"
	"github.com/netreg-cloud/netreg/pkg/util"
)

// Default retry budgets. A conflict on our own bucket consumes a retry;
// conflicts caused by other records in the same batch do not.
const (
	DefaultIPRetries  = 20
	DefaultMACRetries = 50
)

// Config carries the injected engine configuration. There are no process
// globals: the admin owner and OUI travel with the engine value.
type Config struct {
	// OUI is the 24-bit prefix for generated MACs.
	OUI uint32
	// AdminOwnerUUID may provision on any owner-restricted network.
	AdminOwnerUUID string

	IPRetries  int
	MACRetries int

	// Rand supplies the 24-bit host part for generated MACs. Tests inject
	// a deterministic source; nil gets a time-seeded one.
	Rand func() uint32
}

// Engine is the addressing registry. All coordination between concurrent
// requests happens through store preconditions; the engine itself holds no
// locks around record state.
type Engine struct {
	store store.Store
	cfg   Config

	mu      sync.Mutex
	macRand func() uint32
}

// New creates an engine over the given store.
func New(s store.Store, cfg Config) *Engine {
	if cfg.IPRetries <= 0 {
		cfg.IPRetries = DefaultIPRetries
	}
	if cfg.MACRetries <= 0 {
		cfg.MACRetries = DefaultMACRetries
	}
	e := &Engine{store: s, cfg: cfg}
	if cfg.Rand != nil {
		e.macRand = cfg.Rand
	} else {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		e.macRand = func() uint32 { return uint32(src.Intn(1 << 24)) }
	}
	return e
}

// Init ensures every global bucket exists at its current schema version.
func (e *Engine) Init(ctx context.Context) error {
	buckets := []store.Bucket{
		NetworksBucket, NICsBucket, NicTagsBucket, NetworkPoolsBucket,
		AggrsBucket, FabricVLANsBucket, VPCsBucket,
	}
	for _, b := range buckets {
		if err := e.store.EnsureBucket(ctx, b); err != nil {
			return fmt.Errorf("initializing bucket %s: %w", b.Name, err)
		}
	}
	return nil
}

// Ping reports store reachability.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Store exposes the underlying store for the API readiness check.
func (e *Engine) Store() store.Store {
	return e.store
}

// nextMACHost draws a 24-bit host part under the engine lock; the math/rand
// source is not safe for concurrent use.
func (e *Engine) nextMACHost() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.macRand() & 0xffffff
}

// checkIfMatch maps a stale If-Match to a PreconditionFailedError without
// retrying. An empty incoming etag means the caller did not care.
func checkIfMatch(current, incoming string) error {
	if incoming == "" || incoming == current {
		return nil
	}
	return &util.PreconditionFailedError{Etag: current, Incoming: incoming}
}
