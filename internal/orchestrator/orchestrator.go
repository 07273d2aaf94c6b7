// Package orchestrator runs a batch of branches in parallel against a
// shared read-only PriceDB, with a content-addressed cache, cooperative
// cancellation, progress reporting, and per-branch failure isolation.
//
// The worker/job/result channel shape is grounded directly on
// trader/internal/modules/evaluation/worker_pool.go's
// WorkerPool.EvaluateBatch; the progress-callback signature matches
// internal/evaluation/workers/pool_test.go's
// func(done, total int, message string) contract. The per-key cache
// build-guard is new: a mutex-protected map of channels rather than
// golang.org/x/sync/singleflight, because cancellation must be able to
// abandon a wait on an in-flight build without blocking on its result.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/branchgen"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
)

// errCancelled marks a branch that was skipped because the sweep was
// already cancelled before its turn came up.
var errCancelled = errors.New("orchestrator: sweep cancelled")

// ProgressFunc reports running sweep progress. Signature matches the
// teacher's worker-pool progress-callback contract.
type ProgressFunc func(done, total int, message string)

// BranchError records a single failed branch without aborting the
// sweep.
type BranchError struct {
	BranchID string
	Err      error
}

// BranchResult is one branch's outcome: either a populated Result or a
// recorded error.
type BranchResult struct {
	BranchID string
	Result   *backtest.Result
	CacheHit bool
	Err      error
}

// Orchestrator runs sweeps of branches over a fixed PriceDB.
type Orchestrator struct {
	db        *pricestore.PriceDB
	log       zerolog.Logger
	chunkSize int

	mu      sync.Mutex
	futures map[string]*buildFuture
}

type buildFuture struct {
	done   chan struct{}
	result *backtest.Result
	err    error
}

// New constructs an Orchestrator bound to db. chunkSize <= 0 defaults
// to 100 (spec default sweep.chunkSize).
func New(db *pricestore.PriceDB, log zerolog.Logger, chunkSize int) *Orchestrator {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Orchestrator{
		db:        db,
		log:       log.With().Str("component", "orchestrator").Logger(),
		chunkSize: chunkSize,
		futures:   map[string]*buildFuture{},
	}
}

// CacheKey is the content address of one (tree, price data date, mode,
// costBps, split) combination: H(tree canonical JSON, price data date,
// mode, costBps, split).
func CacheKey(tree canonicalTree, priceDataDate time.Time, mode backtest.Mode, costBps float64, split *backtest.SplitConfig) (string, error) {
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("canonicalising tree for cache key: %w", err)
	}
	payload := struct {
		Tree          json.RawMessage
		PriceDataDate int64
		Mode          backtest.Mode
		CostBps       float64
		Split         *backtest.SplitConfig
	}{
		Tree:          treeJSON,
		PriceDataDate: priceDataDate.Unix(),
		Mode:          mode,
		CostBps:       costBps,
		Split:         split,
	}
	full, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing cache key payload: %w", err)
	}
	sum := sha256.Sum256(full)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalTree is the JSON-marshalable shape a branch's tree reduces
// to for hashing purposes; the orchestrator's caller supplies it
// (typically via stree's own JSON tags) so this package stays decoupled
// from stree's concrete Node layout.
type canonicalTree = any

// RunSweepOptions binds one sweep's fixed parameters.
type RunSweepOptions struct {
	Mode          backtest.Mode
	CostBps       float64
	Split         *backtest.SplitConfig
	Benchmark     string
	PriceDataDate time.Time
	Progress      ProgressFunc
}

// RunSweep evaluates branches in parallel, honoring cache hits,
// cooperative cancellation via ctx, and per-branch failure isolation.
// Results preserve branches' input order.
func (o *Orchestrator) RunSweep(ctx context.Context, branches []branchgen.Branch, opts RunSweepOptions) ([]BranchResult, error) {
	total := len(branches)
	results := make([]BranchResult, total)

	numWorkers := runtime.NumCPU()
	if numWorkers > total {
		numWorkers = total
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	type job struct {
		idx    int
		branch branchgen.Branch
	}
	jobs := make(chan job, total)
	for i, b := range branches {
		jobs <- job{idx: i, branch: b}
	}
	close(jobs)

	var done int64
	var cancelled atomic.Bool
	var lastReport time.Time
	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers; w++ {
		g.Go(func() error {
			for j := range jobs {
				if cancelled.Load() || gctx.Err() != nil {
					results[j.idx] = BranchResult{BranchID: j.branch.ID, Err: errCancelled}
					continue
				}

				res, hit, err := o.evaluateOne(gctx, j.branch, opts)
				if err != nil {
					results[j.idx] = BranchResult{BranchID: j.branch.ID, Err: err}
				} else {
					results[j.idx] = BranchResult{BranchID: j.branch.ID, Result: res, CacheHit: hit}
				}

				n := atomic.AddInt64(&done, 1)
				reportProgress(opts.Progress, &reportMu, &lastReport, int(n), total)
			}
			return nil
		})
	}

	_ = g.Wait()
	if ctx.Err() != nil {
		cancelled.Store(true)
	}
	return results, nil
}

const progressMinInterval = 200 * time.Millisecond

func reportProgress(fn ProgressFunc, mu *sync.Mutex, last *time.Time, done, total int) {
	if fn == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	now := time.Now()
	if done < total && now.Sub(*last) < progressMinInterval {
		return
	}
	*last = now
	fn(done, total, fmt.Sprintf("%d/%d branches evaluated", done, total))
}

// evaluateOne looks up the branch's cache key; on a miss it runs the
// backtest exactly once per key even under concurrent duplicate misses,
// via the per-key buildFuture guard.
func (o *Orchestrator) evaluateOne(ctx context.Context, b branchgen.Branch, opts RunSweepOptions) (*backtest.Result, bool, error) {
	key, err := CacheKey(b.Tree, opts.PriceDataDate, opts.Mode, opts.CostBps, opts.Split)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	if f, ok := o.futures[key]; ok {
		o.mu.Unlock()
		return waitForFuture(ctx, f)
	}
	f := &buildFuture{done: make(chan struct{})}
	o.futures[key] = f
	o.mu.Unlock()

	res, err := backtest.Run(b.Tree, o.db, opts.Mode, opts.CostBps, opts.Benchmark, opts.Split)
	f.result, f.err = res, err
	close(f.done)
	return res, false, err
}

func waitForFuture(ctx context.Context, f *buildFuture) (*backtest.Result, bool, error) {
	select {
	case <-f.done:
		return f.result, true, f.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
