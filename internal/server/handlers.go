package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/branchgen"
	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
	"github.com/Belfering/QuantNexus-sub004/internal/orchestrator"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/shard"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps a corerr.CoreError's Kind to an HTTP status, falling
// back to 500 for anything else.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var coreErr *corerr.CoreError
	if errors.As(err, &coreErr) {
		switch {
		case errors.Is(coreErr.Kind, corerr.ErrValidation),
			errors.Is(coreErr.Kind, corerr.ErrEmptyStrategy),
			errors.Is(coreErr.Kind, corerr.ErrCallCycle):
			status = http.StatusBadRequest
		case errors.Is(coreErr.Kind, corerr.ErrTickerMissing),
			errors.Is(coreErr.Kind, corerr.ErrTickerInception),
			errors.Is(coreErr.Kind, corerr.ErrInsufficientData):
			status = http.StatusUnprocessableEntity
		case errors.Is(coreErr.Kind, corerr.ErrSourceUnavailable):
			status = http.StatusBadGateway
		case errors.Is(coreErr.Kind, corerr.ErrCancelled):
			status = http.StatusConflict
		}
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "strategy-evaluation-core",
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"go_routines": runtime.NumGoroutine(),
		"num_cpu":     runtime.NumCPU(),
		"data_dir":    s.cfg.DataDir,
	})
}

// resolvePriceDB collects every ticker a tree touches, loads bar
// history through the configured provider, and aligns it into a
// PriceDB over the indicator tickers' common calendar.
func (s *Server) resolvePriceDB(r *http.Request, tree *stree.Node, benchmark string, maxBars int) (*pricestore.PriceDB, error) {
	indicatorTickers, positionTickers := stree.CollectTickers(tree)
	all := unionTickers(indicatorTickers, positionTickers)
	if benchmark != "" {
		all = unionTickers(all, []string{benchmark})
	}
	series, err := s.priceStore.Load(r.Context(), all, maxBars)
	if err != nil {
		return nil, err
	}
	return pricestore.BuildDB(series, indicatorTickers)
}

func unionTickers(groups ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		for _, t := range g {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// backtestRequest is the POST /backtest body.
type backtestRequest struct {
	Tree            *stree.Node           `json:"tree"`
	Mode            backtest.Mode         `json:"mode"`
	CostBps         float64               `json:"costBps"`
	BenchmarkTicker string                `json:"benchmarkTicker"`
	MaxBars         int                   `json:"maxBars"`
	Split           *backtest.SplitConfig `json:"split,omitempty"`
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "body", err.Error()))
		return
	}
	if req.Tree == nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "tree", "tree is required"))
		return
	}
	if req.CostBps == 0 {
		req.CostBps = s.cfg.Backtest.CostBps
	}
	if req.BenchmarkTicker == "" {
		req.BenchmarkTicker = s.cfg.Backtest.BenchmarkTicker
	}

	db, err := s.resolvePriceDB(r, req.Tree, req.BenchmarkTicker, req.MaxBars)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := backtest.Run(req.Tree, db, req.Mode, req.CostBps, req.BenchmarkTicker, req.Split)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// sweepRequest is the POST /sweep body.
type sweepRequest struct {
	Gate            branchgen.Config      `json:"gate"`
	Mode            backtest.Mode         `json:"mode"`
	CostBps         float64               `json:"costBps"`
	BenchmarkTicker string                `json:"benchmarkTicker"`
	MaxBars         int                   `json:"maxBars"`
	ChunkSize       int                   `json:"chunkSize"`
	Split           *backtest.SplitConfig `json:"split,omitempty"`
}

func gateTickers(g branchgen.GateConfig) []string {
	tickers := append([]string(nil), g.Tickers...)
	if g.L2 != nil {
		tickers = unionTickers(tickers, gateTickers(*g.L2))
	}
	return tickers
}

func sweepTickers(cfg branchgen.Config) []string {
	positionTickers := cfg.PositionTickers
	if len(positionTickers) == 0 {
		positionTickers = cfg.Gate.Tickers
	}
	all := unionTickers(gateTickers(cfg.Gate), positionTickers)
	if cfg.AltTicker != "" {
		all = unionTickers(all, []string{cfg.AltTicker})
	}
	return all
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "body", err.Error()))
		return
	}
	if req.CostBps == 0 {
		req.CostBps = s.cfg.Backtest.CostBps
	}
	if req.BenchmarkTicker == "" {
		req.BenchmarkTicker = s.cfg.Backtest.BenchmarkTicker
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.cfg.Sweep.ChunkSize
	}

	branches := branchgen.Generate(req.Gate)
	if len(branches) == 0 {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "gate", "sweep produced zero branches"))
		return
	}

	tickers := sweepTickers(req.Gate)
	series, err := s.priceStore.Load(r.Context(), tickers, req.MaxBars)
	if err != nil {
		s.writeError(w, err)
		return
	}
	indicatorTickers, _ := stree.CollectTickers(branches[0].Tree)
	db, err := pricestore.BuildDB(series, indicatorTickers)
	if err != nil {
		s.writeError(w, err)
		return
	}

	orch := orchestrator.New(db, s.log, req.ChunkSize)

	ctx, cancel := context.WithCancel(context.Background())
	id := newSweepID()
	entry := s.sweeps.register(id, cancel, len(branches))

	go func() {
		defer cancel()
		results, err := orch.RunSweep(ctx, branches, orchestrator.RunSweepOptions{
			Mode:      req.Mode,
			CostBps:   req.CostBps,
			Split:     req.Split,
			Benchmark: req.BenchmarkTicker,
			Progress:  func(done, total int, message string) { entry.setProgress(done, total) },
		})
		entry.finish(results, err)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleSweepStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.sweeps.get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sweep not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, entry.snapshot())
}

func (s *Server) handleSweepCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sweeps.cancel(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sweep not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// shardWriteRequest is the POST /shards body.
type shardWriteRequest struct {
	Name         string               `json:"name"`
	Owner        string               `json:"owner"`
	Branches     []shard.BranchRecord `json:"branches"`
	OOSStartDate *time.Time           `json:"oosStartDate,omitempty"`
}

func (s *Server) handleShardWrite(w http.ResponseWriter, r *http.Request) {
	var req shardWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "body", err.Error()))
		return
	}
	if len(req.Branches) == 0 {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "branches", "at least one branch is required"))
		return
	}
	id, err := s.shards.Write(req.Name, req.Owner, req.Branches, req.OOSStartDate, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleShardRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "id", "invalid shard id"))
		return
	}
	sh, err := s.shards.Read(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleShardDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, corerr.New(corerr.ErrValidation, "", "id", "invalid shard id"))
		return
	}
	if err := s.shards.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShardList(w http.ResponseWriter, r *http.Request) {
	headers, err := s.shards.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, headers)
}
