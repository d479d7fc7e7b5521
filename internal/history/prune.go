package history

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
)

// PruneOptions modify a prune run.
type PruneOptions struct {
	DryRun bool
}

// PruneResult reports what a prune run deleted, or would delete under
// DryRun.
type PruneResult struct {
	VersionsDeleted    int64 `json:"versionsDeleted"`
	EdgesClosed        int64 `json:"edgesClosed"`
	CheckpointsDeleted int64 `json:"checkpointsDeleted"`
	DryRun             bool  `json:"dryRun"`
}

// PruneHistory removes temporal state older than the retention window:
// expired checkpoints first, then long-closed edges, then versions outside
// every surviving checkpoint. An advisory file lock serializes runs.
func (e *Engine) PruneHistory(ctx context.Context, retentionDays int, opts PruneOptions) (*PruneResult, error) {
	if !e.cfg.Enabled {
		return &PruneResult{DryRun: opts.DryRun}, nil
	}
	if retentionDays <= 0 {
		return nil, errors.Validation(errors.CodeRetentionInvalid, "retention must be a positive number of days").
			WithDetails("retentionDays %d", retentionDays).WithComponent("history").Build()
	}

	start := time.Now()
	res, err := e.prune(ctx, retentionDays, opts)
	e.observe("pruneHistory", start, err)
	return res, err
}

func (e *Engine) prune(ctx context.Context, retentionDays int, opts PruneOptions) (*PruneResult, error) {
	if !opts.DryRun {
		lockPath := e.cfg.PruneLockPath
		if lockPath == "" {
			lockPath = "/tmp/codegraph-prune.lock"
		}
		lock := flock.New(lockPath)
		held, err := lock.TryLock()
		if err != nil {
			return nil, errors.Internal(errors.CodeInternalError, "prune lock acquisition failed").
				WithComponent("history").WithCause(err).Build()
		}
		if !held {
			return nil, errors.Conflict(errors.CodePruneLockHeld, "another prune run holds the lock").
				WithComponent("history").Build()
		}
		defer lock.Unlock()
	}

	cutoff := domain.FormatTime(e.now().AddDate(0, 0, -retentionDays))
	result := &PruneResult{DryRun: opts.DryRun}

	if opts.DryRun {
		results, err := e.g.RunTx(ctx, []graph.Query{
			{
				Text:   `MATCH (c:Checkpoint) WHERE c.created < $cutoff RETURN count(c) AS n`,
				Params: map[string]any{"cutoff": cutoff},
			},
			{
				Text:   `MATCH ()-[r]->() WHERE r.validTo IS NOT NULL AND r.validTo < $cutoff RETURN count(r) AS n`,
				Params: map[string]any{"cutoff": cutoff},
			},
			{
				// Versions inside a checkpoint created on or after the
				// cutoff are protected; expired checkpoints no longer
				// shield their members.
				Text: `MATCH (v:Version) WHERE v.timestamp < $cutoff
				       AND NOT EXISTS {
				         MATCH (c:Checkpoint)-[:CHECKPOINT_INCLUDES]->(v)
				         WHERE c.created >= $cutoff
				       }
				       RETURN count(v) AS n`,
				Params: map[string]any{"cutoff": cutoff},
			},
		})
		if err != nil {
			return nil, err
		}
		result.CheckpointsDeleted = firstCount(results, 0)
		result.EdgesClosed = firstCount(results, 1)
		result.VersionsDeleted = firstCount(results, 2)
		return result, nil
	}

	// Expired checkpoints go first so the version pass below sees only
	// surviving protection.
	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: `MATCH (c:Checkpoint) WHERE c.created < $cutoff
			       WITH collect(c) AS expired
			       FOREACH (c IN expired | DETACH DELETE c)
			       RETURN size(expired) AS n`,
			Params: map[string]any{"cutoff": cutoff},
		},
		{
			Text: `MATCH ()-[r]->() WHERE r.validTo IS NOT NULL AND r.validTo < $cutoff
			       WITH collect(r) AS closed
			       FOREACH (r IN closed | DELETE r)
			       RETURN size(closed) AS n`,
			Params: map[string]any{"cutoff": cutoff},
		},
		{
			Text: `MATCH (v:Version) WHERE v.timestamp < $cutoff
			       AND NOT EXISTS {
			         MATCH (:Checkpoint)-[:CHECKPOINT_INCLUDES]->(v)
			       }
			       WITH collect(v) AS stale
			       FOREACH (v IN stale | DETACH DELETE v)
			       RETURN size(stale) AS n`,
			Params: map[string]any{"cutoff": cutoff},
		},
	})
	if err != nil {
		return nil, err
	}
	result.CheckpointsDeleted = firstCount(results, 0)
	result.EdgesClosed = firstCount(results, 1)
	result.VersionsDeleted = firstCount(results, 2)

	e.emit("info", "history:pruned", map[string]any{
		"versionsDeleted":    result.VersionsDeleted,
		"edgesClosed":        result.EdgesClosed,
		"checkpointsDeleted": result.CheckpointsDeleted,
	})
	return result, nil
}

func firstCount(results [][]graph.Record, idx int) int64 {
	if idx >= len(results) || len(results[idx]) == 0 {
		return 0
	}
	return int64From(results[idx][0]["n"])
}
