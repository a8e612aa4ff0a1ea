// Package fetch implements the bulk-transfer worker pool that serves
// and receives a project's replicated content once a session has been
// upgraded out of the gossip channel (spec.md §4.H, §5). The wire
// format for this exchange is a declared non-goal of the protocol
// itself, so this package fills it in with a concrete, verifiable
// scheme: fixed-size chunks protected by RaptorQ forward error
// correction (github.com/xssnick/raptorq) and integrity-checked with
// BLAKE3 (github.com/zeebo/blake3) — both already in the teacher's own
// dependency tree, exactly the combination peer-to-peer bulk transfer
// over a possibly-lossy relayed connection calls for.
//
// The worker pool shape (bounded goroutines draining a job channel,
// a shutdown handshake) is grounded on
// mcastellin-golang-mastery/distributed-queue/pkg/queue's
// Enqueue/DequeueWorker pattern.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
)

// Config tunes the chunking and FEC scheme.
type Config struct {
	// ChunkSize is the size, in bytes, of each object-stream chunk
	// handed to the FEC encoder.
	ChunkSize int
	// SymbolSize is the RaptorQ source symbol size in bytes.
	SymbolSize uint16
	// Overhead is the number of extra repair symbols generated per
	// chunk, beyond the number of source symbols, to survive loss.
	Overhead uint32
	// MaxConcurrent bounds how many fetches run at once.
	MaxConcurrent int64
}

// DefaultConfig returns reasonable defaults for a relayed, possibly
// lossy connection.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     256 * 1024,
		SymbolSize:    1280,
		Overhead:      16,
		MaxConcurrent: 4,
	}
}

// job is one upgraded stream handed to the pool.
type job struct {
	node   identity.NodeID
	rid    storage.ProjectID
	stream io.ReadWriteCloser
	result func(error)
}

// Pool is the fixed-size worker pool performing bulk transfers. It
// satisfies transport.Upgrader structurally (same method shape),
// without either package importing the other.
type Pool struct {
	cfg     Config
	storage storage.Storage
	sem     *semaphore.Weighted
	jobs    chan job
	log     *slog.Logger

	shutdown chan chan struct{}
}

// NewPool builds a Pool backed by store, with workers bounded by
// cfg.MaxConcurrent.
func NewPool(store storage.Storage, cfg Config) *Pool {
	return &Pool{
		cfg:      cfg,
		storage:  store,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		jobs:     make(chan job, 64),
		log:      slog.Default().With("component", "fetch"),
		shutdown: make(chan chan struct{}),
	}
}

// Run drains jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case done := <-p.shutdown:
			close(done)
			return
		case j := <-p.jobs:
			go p.runJob(ctx, j)
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (p *Pool) Stop() {
	done := make(chan struct{})
	p.shutdown <- done
	<-done
}

// Upgrade enqueues stream for bulk transfer of rid with node, the
// Upgrader method transport.Reactor calls on an ActionUpgrade.
func (p *Pool) Upgrade(ctx context.Context, node identity.NodeID, rid storage.ProjectID, stream io.ReadWriteCloser, result func(err error)) {
	select {
	case p.jobs <- job{node: node, rid: rid, stream: stream, result: result}:
	case <-ctx.Done():
		result(ctx.Err())
	}
}

func (p *Pool) runJob(ctx context.Context, j job) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		j.result(err)
		return
	}
	defer p.sem.Release(1)
	defer j.stream.Close()

	err := p.serveOrReceive(ctx, j)
	if err != nil {
		p.log.Error("fetch failed", "node", j.node.Short(), "project", j.rid, "error", err)
	}
	j.result(err)
}

// serveOrReceive decides which role this side plays: a node that
// already hosts rid serves its object stream; a node that doesn't
// receives and verifies one. A node requesting a refresh of content
// it already partially has would need a reconciliation protocol,
// which is out of scope here (the bulk-transfer wire format itself is
// a declared non-goal) — this pool always performs a full transfer.
func (p *Pool) serveOrReceive(ctx context.Context, j job) error {
	inventory, err := p.storage.Inventory()
	if err != nil {
		return fmt.Errorf("fetch: query local inventory: %w", err)
	}
	if _, hosted := inventory[j.rid]; hosted {
		return p.send(ctx, j)
	}
	return p.receive(ctx, j)
}
