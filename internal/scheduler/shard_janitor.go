package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Belfering/QuantNexus-sub004/internal/shard"
)

// ShardJanitorJob prunes shards older than a retention window. Shards are
// otherwise append-only; this is the one background process allowed to
// call shard.Store.Delete, so a long-running core doesn't accumulate an
// unbounded sweep history.
type ShardJanitorJob struct {
	store     *shard.Store
	retention time.Duration
	log       zerolog.Logger
}

// NewShardJanitorJob builds a janitor that deletes shards whose
// CreatedAt is older than retention.
func NewShardJanitorJob(store *shard.Store, retention time.Duration, log zerolog.Logger) *ShardJanitorJob {
	return &ShardJanitorJob{
		store:     store,
		retention: retention,
		log:       log.With().Str("component", "shard_janitor").Logger(),
	}
}

func (j *ShardJanitorJob) Name() string { return "shard_janitor" }

func (j *ShardJanitorJob) Run() error {
	headers, err := j.store.List()
	if err != nil {
		return err
	}

	cutoff := nowFunc().Add(-j.retention)
	pruned := 0
	for _, h := range headers {
		if h.CreatedAt.After(cutoff) {
			continue
		}
		if err := j.store.Delete(h.ID); err != nil {
			j.log.Error().Err(err).Int64("shard_id", h.ID).Msg("failed to prune shard")
			continue
		}
		pruned++
	}

	j.log.Info().Int("pruned", pruned).Int("remaining", len(headers)-pruned).Msg("shard janitor sweep complete")
	return nil
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
