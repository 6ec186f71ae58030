// Package ingest drives the bulk backfill: it walks the planned date chunks,
// fetches every listing page for each chunk, persists events and participant
// references, stages newly discovered entities, and advances the ingest
// checkpoint only after a chunk has fully landed.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/chunk"
	"github.com/turfline/racedata-cli/internal/config"
	"github.com/turfline/racedata-cli/internal/entity"
	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/provider"
	"github.com/turfline/racedata-cli/internal/resilience"
	"github.com/turfline/racedata-cli/internal/store"
)

// Counter keys recorded on the ingest checkpoint.
const (
	CounterEvents       = "events"
	CounterParticipants = "participants"
	CounterEntitiesNew  = "entities_new"
	CounterPages        = "pages"
)

// Runner executes one ingest run over a date range.
type Runner struct {
	client     provider.Client
	store      store.Store
	classifier *entity.Classifier
	cps        *checkpoint.Store
	cfg        config.BackfillConfig
	log        *zap.Logger
}

func NewRunner(client provider.Client, st store.Store, cps *checkpoint.Store, cfg config.BackfillConfig) *Runner {
	return &Runner{
		client:     client,
		store:      st,
		classifier: entity.NewClassifier(st),
		cps:        cps,
		cfg:        cfg,
		log:        zap.L().Named("ingest"),
	}
}

// Run processes the date range chunk by chunk. With resume true, an existing
// ingest checkpoint skips every chunk at or before its resume marker. A chunk
// that fails is logged to the error table and skipped, so a targeted rerun
// over its date range can fill the gap later. Store write failures are
// retried a bounded number of times and then abort the whole run.
func (r *Runner) Run(ctx context.Context, runID string, start, end time.Time, resume bool) error {
	chunks, err := chunk.Plan(start, end, r.cfg.WindowDays)
	if err != nil {
		return err
	}

	cp, err := r.checkpointFor(runID, resume)
	if err != nil {
		return err
	}
	pending := chunks
	if !cp.LastCompletedChunkEnd.IsZero() {
		pending = chunk.Remaining(chunks, cp.LastCompletedChunkEnd)
		r.log.Info("resuming ingest run",
			zap.String("run_id", cp.RunID),
			zap.Time("last_completed", cp.LastCompletedChunkEnd),
			zap.Int("chunks_remaining", len(pending)))
	}
	cp.ChunksTotal = len(chunks)
	if err := cp.Save(); err != nil {
		return err
	}

	storeRetry := resilience.StoreRetryConfig(r.cfg.MaxStoreRetries)
	storeRetry.OnRetry = resilience.RetryLogger("store", "ingest write")

	for _, rng := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.runChunk(ctx, cp, storeRetry, rng); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isStoreFailure(err) {
				return eris.Wrapf(err, "ingest: store unavailable at chunk %s", rng)
			}
			r.log.Warn("chunk failed, continuing",
				zap.String("chunk", rng.String()),
				zap.Error(err))
			cp.Fail()
			if err := cp.Save(); err != nil {
				return err
			}
			if err := r.store.AppendError(ctx, model.ErrorLogEntry{
				RunID:   cp.RunID,
				Scope:   "chunk",
				Ref:     rng.String(),
				Message: eris.ToString(err, false),
			}); err != nil {
				return eris.Wrap(err, "ingest: record chunk failure")
			}
			continue
		}

		if err := cp.Advance(rng.End); err != nil {
			return err
		}
	}

	if err := r.cps.Archive(cp); err != nil {
		return err
	}
	r.log.Info("ingest run finished",
		zap.String("run_id", cp.RunID),
		zap.Int("chunks_completed", cp.ChunksCompleted),
		zap.Int("chunks_failed", cp.ChunksFailed),
		zap.Int64("events", cp.Counter(CounterEvents)),
		zap.Int64("entities_new", cp.Counter(CounterEntitiesNew)),
		zap.Duration("elapsed", cp.Elapsed()))

	// Skipped chunks still count as forward progress: they are recorded in
	// the error log and the run exits cleanly.
	if cp.ChunksFailed > 0 {
		r.log.Warn("run completed with skipped chunks",
			zap.Int("chunks_failed", cp.ChunksFailed),
			zap.Int("chunks_total", cp.ChunksTotal))
	}
	return nil
}

func (r *Runner) checkpointFor(runID string, resume bool) (*checkpoint.Checkpoint, error) {
	if resume {
		cp, err := r.cps.Load(checkpoint.RoleIngest)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return cp, nil
		}
	}
	return r.cps.Create(runID, checkpoint.RoleIngest)
}

func (r *Runner) runChunk(ctx context.Context, cp *checkpoint.Checkpoint, storeRetry resilience.RetryConfig, rng chunk.Range) error {
	meetings, pages, err := r.fetchChunk(ctx, rng)
	if err != nil {
		return err
	}
	events, parts := Normalize(meetings)
	r.log.Debug("chunk fetched",
		zap.String("chunk", rng.String()),
		zap.Int("pages", pages),
		zap.Int("events", len(events)),
		zap.Int("participants", len(parts)))

	err = resilience.Do(ctx, storeRetry, func(ctx context.Context) error {
		if _, err := r.store.UpsertEvents(ctx, events); err != nil {
			return err
		}
		_, err := r.store.UpsertParticipants(ctx, parts)
		return err
	})
	if err != nil {
		return storeFailure(err)
	}

	refs := entity.ExtractRefs(parts)
	var res entity.Result
	err = resilience.Do(ctx, storeRetry, func(ctx context.Context) error {
		var err error
		res, err = r.classifier.Classify(ctx, refs)
		return err
	})
	if err != nil {
		return storeFailure(err)
	}

	cp.Add(CounterPages, int64(pages))
	cp.Add(CounterEvents, int64(len(events)))
	cp.Add(CounterParticipants, int64(len(parts)))
	cp.Add(CounterEntitiesNew, res.Inserted)
	return nil
}

// fetchChunk pages through the listing endpoint until the provider reports
// the last page.
func (r *Runner) fetchChunk(ctx context.Context, rng chunk.Range) ([]provider.Meeting, int, error) {
	var meetings []provider.Meeting
	page := 1
	for {
		p, err := r.client.Meetings(ctx, rng.Start, rng.End, page)
		if err != nil {
			return nil, 0, eris.Wrapf(err, "ingest: fetch %s page %d", rng, page)
		}
		if err := p.Validate(); err != nil {
			return nil, 0, eris.Wrapf(err, "ingest: invalid payload for %s page %d", rng, page)
		}
		meetings = append(meetings, p.Meetings...)
		if p.TotalPages <= 0 || page >= p.TotalPages {
			return meetings, page, nil
		}
		page++
	}
}

// storeFailureError marks write errors that survived their bounded retries.
// They abort the run rather than skipping the chunk, since a dead store
// would otherwise burn the whole provider rate budget on doomed chunks.
type storeFailureError struct {
	err error
}

func (e *storeFailureError) Error() string { return e.err.Error() }
func (e *storeFailureError) Unwrap() error { return e.err }

func storeFailure(err error) error {
	return &storeFailureError{err: err}
}

func isStoreFailure(err error) bool {
	var sf *storeFailureError
	return errors.As(err, &sf)
}
