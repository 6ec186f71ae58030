// Package enrich works through the unenriched entity queue in discovery
// order: fetch the detail record, write the extended attributes and pedigree
// lineage, and flip the enrichment status exactly once.
package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/config"
	"github.com/turfline/racedata-cli/internal/entity"
	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/provider"
	"github.com/turfline/racedata-cli/internal/resilience"
	"github.com/turfline/racedata-cli/internal/store"
)

// Counter keys recorded on the enrich checkpoint.
const (
	CounterEnriched = "enriched"
	CounterFailed   = "failed"
	CounterRetried  = "retried"
	CounterLineage  = "lineage_edges"
	CounterLost     = "lost_races"
)

// Engine drains the unenriched queue for one run.
type Engine struct {
	client provider.Client
	store  store.Store
	cps    *checkpoint.Store
	cfg    config.EnrichConfig
	log    *zap.Logger

	storeRetry resilience.RetryConfig
}

func NewEngine(client provider.Client, st store.Store, cps *checkpoint.Store, cfg config.EnrichConfig, maxStoreRetries int) *Engine {
	retry := resilience.StoreRetryConfig(maxStoreRetries)
	retry.OnRetry = resilience.RetryLogger("store", "enrich write")
	return &Engine{
		client:     client,
		store:      st,
		cps:        cps,
		cfg:        cfg,
		log:        zap.L().Named("enrich"),
		storeRetry: retry,
	}
}

// Run drains the queue in batches. With follow true it keeps polling after
// the queue empties, picking up entities the ingest worker is still
// discovering; otherwise it returns once the queue is drained.
func (e *Engine) Run(ctx context.Context, runID string, follow, resume bool) error {
	cp, err := e.checkpointFor(runID, resume)
	if err != nil {
		return err
	}

	interval := time.Duration(e.cfg.PollIntervalSecs) * time.Second
	for {
		n, err := e.drainBatch(ctx, cp)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if !follow {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	if err := e.cps.Archive(cp); err != nil {
		return err
	}
	e.log.Info("enrich run finished",
		zap.String("run_id", cp.RunID),
		zap.Int64("enriched", cp.Counter(CounterEnriched)),
		zap.Int64("failed", cp.Counter(CounterFailed)),
		zap.Int64("lineage_edges", cp.Counter(CounterLineage)),
		zap.Duration("elapsed", cp.Elapsed()))
	return nil
}

func (e *Engine) checkpointFor(runID string, resume bool) (*checkpoint.Checkpoint, error) {
	if resume {
		cp, err := e.cps.Load(checkpoint.RoleEnrich)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			e.log.Info("resuming enrich run",
				zap.String("run_id", cp.RunID),
				zap.Int64("enriched_so_far", cp.Counter(CounterEnriched)))
			return cp, nil
		}
	}
	return e.cps.Create(runID, checkpoint.RoleEnrich)
}

// drainBatch processes up to one batch and reports how many entities it
// touched. Zero means the queue is empty (or every remaining entity has
// exhausted its attempts).
func (e *Engine) drainBatch(ctx context.Context, cp *checkpoint.Checkpoint) (int, error) {
	batch, err := e.store.NextUnenriched(ctx, e.cfg.BatchSize, e.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	for _, ent := range batch {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if err := e.enrichOne(ctx, cp, ent); err != nil {
			return 0, err
		}
		if err := cp.Save(); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

// enrichOne fetches one entity's detail record and applies the terminal
// outcome. A permanent provider error marks the entity failed; a transient
// one bumps the attempt counter and leaves it queued. Returned errors are
// store-side and abort the run.
func (e *Engine) enrichOne(ctx context.Context, cp *checkpoint.Checkpoint, ent model.EntityRecord) error {
	// All writers store canonical ids. Re-normalize here so the detail URL
	// and the status update target the same key regardless of how the row
	// was discovered.
	ent.ExternalID = entity.NormalizeID(ent.ExternalID)
	key := store.EntityKey{Kind: ent.Kind, ExternalID: ent.ExternalID}

	detail, err := e.client.EntityDetail(ctx, ent.Kind, ent.ExternalID)
	if err == nil {
		err = detail.Validate()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.recordFetchFailure(ctx, cp, ent, key, err)
	}

	rec := model.EntityRecord{
		Kind:       ent.Kind,
		ExternalID: ent.ExternalID,
		Name:       detail.Name,
		Country:    detail.Country,
		FoaledYear: detail.Foaled,
		Sex:        detail.Sex,
	}
	edges := lineageEdges(ent, detail.Pedigree)

	return resilience.Do(ctx, e.storeRetry, func(ctx context.Context) error {
		if len(edges) > 0 {
			n, err := e.store.UpsertLineage(ctx, edges)
			if err != nil {
				return err
			}
			cp.Add(CounterLineage, n)
		}
		won, err := e.store.MarkEnriched(ctx, rec)
		if err != nil {
			return err
		}
		if !won {
			// Another worker already settled this entity.
			cp.Add(CounterLost, 1)
			e.log.Debug("lost enrichment race",
				zap.String("kind", string(ent.Kind)),
				zap.String("id", ent.ExternalID))
			return nil
		}
		cp.Add(CounterEnriched, 1)
		return nil
	})
}

func (e *Engine) recordFetchFailure(ctx context.Context, cp *checkpoint.Checkpoint, ent model.EntityRecord, key store.EntityKey, fetchErr error) error {
	ref := string(ent.Kind) + ":" + ent.ExternalID

	if provider.IsPermanent(fetchErr) || !resilience.IsTransient(fetchErr) {
		return e.markFailed(ctx, cp, key, ref, fetchErr)
	}

	// Transient: bump the attempt counter and leave the entity queued.
	// Once attempts hit the cap it settles as failed.
	err := resilience.Do(ctx, e.storeRetry, func(ctx context.Context) error {
		return e.store.BumpEnrichAttempts(ctx, key)
	})
	if err != nil {
		return err
	}
	cp.Add(CounterRetried, 1)
	if ent.EnrichAttempts+1 >= e.cfg.MaxAttempts {
		return e.markFailed(ctx, cp, key, ref, eris.Wrapf(fetchErr, "enrich: %d attempts exhausted", e.cfg.MaxAttempts))
	}
	e.log.Warn("transient enrichment failure, will retry",
		zap.String("entity", ref),
		zap.Int("attempts", ent.EnrichAttempts+1),
		zap.Error(fetchErr))
	return nil
}

func (e *Engine) markFailed(ctx context.Context, cp *checkpoint.Checkpoint, key store.EntityKey, ref string, cause error) error {
	err := resilience.Do(ctx, e.storeRetry, func(ctx context.Context) error {
		won, err := e.store.MarkEnrichFailed(ctx, key)
		if err != nil {
			return err
		}
		if !won {
			cp.Add(CounterLost, 1)
			return nil
		}
		cp.Add(CounterFailed, 1)
		return e.store.AppendError(ctx, model.ErrorLogEntry{
			RunID:   cp.RunID,
			Scope:   "entity",
			Ref:     ref,
			Message: eris.ToString(cause, false),
		})
	})
	if err != nil {
		return err
	}
	e.log.Warn("entity enrichment failed", zap.String("entity", ref), zap.Error(cause))
	return nil
}

// lineageEdges converts disclosed pedigree entries into lineage rows for the
// subject entity. Only horses carry pedigree.
func lineageEdges(subject model.EntityRecord, pedigree []provider.PedigreeEntry) []model.LineageEdge {
	if subject.Kind != model.KindHorse || len(pedigree) == 0 {
		return nil
	}
	edges := make([]model.LineageEdge, 0, len(pedigree))
	for _, p := range pedigree {
		edges = append(edges, model.LineageEdge{
			SubjectKind:        subject.Kind,
			SubjectExternalID:  subject.ExternalID,
			Relation:           p.Relation,
			AncestorExternalID: p.ID,
			AncestorName:       p.Name,
			Generation:         p.Generation,
		})
	}
	return edges
}
