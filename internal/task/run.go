package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"kbharvest/internal/enrich"
	"kbharvest/internal/export"
	"kbharvest/internal/extract"
	"kbharvest/internal/file"
	"kbharvest/internal/filter"
	"kbharvest/internal/flatten"
	"kbharvest/internal/model"
	"kbharvest/internal/source"
	"kbharvest/internal/store"
)

// runStats accumulates per-task pipeline counters.
type runStats struct {
	total       int
	success     int
	attsKept    int
	attsDropped int
}

// runWorker is the goroutine body for one task. It waits for a concurrency
// slot, flips the task to running and drives the pipeline. All terminal
// writes go through the store's guarded transitions, so a task deleted
// mid-flight is simply never written to again.
func (m *Manager) runWorker(ctx context.Context, t *model.Task, filterCfg model.FilterConfig) {
	defer m.workersWG.Done()
	defer m.releaseCancel(t.ID)

	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-m.semaphore }()

	if err := m.store.MarkRunning(t.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Str("task_id", t.ID).Err(err).Msg("dispatching task")
		}
		// otherwise deleted while queued
		return
	}

	stats, err := m.execute(ctx, t, filterCfg)
	switch {
	case err != nil && ctx.Err() != nil:
		log.Info().Str("task_id", t.ID).Msg("worker stopped by cancellation")
		return
	case err != nil:
		log.Error().Str("task_id", t.ID).Err(err).Msg("task failed")
		if ferr := m.store.Fail(t.ID, err.Error(), stats.total, stats.success); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			log.Error().Str("task_id", t.ID).Err(ferr).Msg("recording task failure")
		}
	default:
		if cerr := m.store.Complete(t.ID, stats.total, stats.success); cerr != nil && !errors.Is(cerr, store.ErrNotFound) {
			log.Error().Str("task_id", t.ID).Err(cerr).Msg("recording task completion")
		}
		log.Info().Str("task_id", t.ID).
			Int("total", stats.total).Int("success", stats.success).
			Int("attachments_kept", stats.attsKept).Int("attachments_dropped", stats.attsDropped).
			Msg("task completed")
	}
	m.fireCallback(t.ID)
}

// execute drives Traverser -> filter funnel -> extractor -> enricher ->
// exporter. Only authentication failures and an unwritable output root are
// task-fatal; everything else is scoped to the single item that caused it.
func (m *Manager) execute(ctx context.Context, t *model.Task, filterCfg model.FilterConfig) (runStats, error) {
	var stats runStats

	if err := file.EnsureDir(t.OutputDir); err != nil {
		return stats, fmt.Errorf("create output directory: %w", err)
	}

	client := source.NewClient(source.Credentials{
		Username: m.creds.SourceUsername,
		Password: m.creds.SourcePassword,
		Token:    m.creds.SourceToken,
	}, m.cfg.Source.RetryAttempts, m.cfg.Source.RetryBackoff())

	baseURL := m.cfg.Source.WikiBaseURL
	if t.Mode == model.ModeIssues {
		baseURL = m.cfg.Source.IssueBaseURL
	}
	tr, err := source.NewTraverser(t.Mode, source.Params{
		Client:   client,
		BaseURL:  baseURL,
		Query:    t.Query,
		PageSize: m.cfg.Source.PageSize,
	})
	if err != nil {
		return stats, err
	}

	flt := filter.New(filterCfg)
	extracts := extract.NewRegistry()
	exporter := export.New(t.OutputDir)
	enricher := m.newEnricher(ctx, t.Mode)

	var (
		batch     []*model.CrawlItem
		batchPage = -1
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if enricher != nil {
			enricher.EnrichAll(ctx, batch)
		}
		for _, item := range batch {
			if err := exporter.Export(item); err != nil {
				log.Warn().Str("task_id", t.ID).Str("item", item.ExternalID).Err(err).Msg("export failed, item skipped")
				continue
			}
			stats.success++
		}
		batch = batch[:0]
	}

	for {
		item, err := tr.Next(ctx)
		if errors.Is(err, source.ErrDone) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, err
			}
			if errors.Is(err, source.ErrAuthentication) {
				return stats, err
			}
			return stats, fmt.Errorf("traversal: %w", err)
		}

		stats.total++
		m.processItem(ctx, t, client, flt, extracts, item, &stats)

		if item.PageIndex != batchPage {
			flush()
			batchPage = item.PageIndex
		}
		batch = append(batch, item)
	}
	flush()

	stats.total += tr.Skipped()

	if m.cfg.FlattenOutput {
		flatDir := filepath.Join(filepath.Dir(t.OutputDir), "flat")
		if res, ferr := flatten.Flatten(t.OutputDir, flatDir, flatten.Options{}); ferr != nil {
			log.Warn().Str("task_id", t.ID).Err(ferr).Msg("flatten post-pass failed")
		} else {
			log.Info().Str("task_id", t.ID).Int("copied", res.Copied).Int("collisions", res.Collisions).Msg("output flattened")
		}
	}
	return stats, nil
}

// processItem normalizes the item body and runs its attachments through the
// two-stage funnel: cheap declared-hint check, download, authoritative
// sniffed-mime and size check, then text extraction.
func (m *Manager) processItem(ctx context.Context, t *model.Task, client *source.Client, flt *filter.Filter, extracts *extract.Registry, item *model.CrawlItem, stats *runStats) {
	if t.Mode == model.ModeWiki && item.Body != "" {
		if text, err := extracts.Extract([]byte(item.Body), "text/html"); err == nil {
			item.Body = text
		}
	}

	kept := item.Attachments[:0]
	for _, ref := range item.Attachments {
		if rule := flt.PreCheck(ref); rule != filter.RuleNone {
			stats.attsDropped++
			log.Info().Str("task_id", t.ID).Str("item", item.ExternalID).
				Str("attachment", ref.Filename).Str("rule", string(rule)).Msg("attachment rejected")
			continue
		}

		data, err := client.Get(ctx, ref.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.attsDropped++
			log.Warn().Str("task_id", t.ID).Str("attachment", ref.Filename).Err(err).Msg("attachment download failed")
			continue
		}
		ref.Data = data
		ref.SizeBytes = int64(len(data))
		ref.ActualMime = filter.DetectMime(data)

		if rule := flt.PostCheck(ref); rule != filter.RuleNone {
			stats.attsDropped++
			log.Info().Str("task_id", t.ID).Str("item", item.ExternalID).
				Str("attachment", ref.Filename).Str("rule", string(rule)).Msg("attachment rejected")
			continue
		}

		if text, err := extracts.Extract(data, ref.ActualMime); err == nil {
			ref.Text = text
		}
		kept = append(kept, ref)
		stats.attsKept++
	}
	item.Attachments = kept
}

// newEnricher wires the configured generation provider, or nil when
// enrichment is disabled or misconfigured.
func (m *Manager) newEnricher(ctx context.Context, mode model.Mode) *enrich.Enricher {
	ec := m.cfg.Enrich
	if !ec.Enabled {
		return nil
	}
	var (
		gen enrich.Generator
		err error
	)
	switch ec.Provider {
	case "openai":
		gen, err = enrich.NewChatGenerator(ec.APIURL, m.creds.EnrichAPIKey, ec.Model)
	default:
		gen, err = enrich.NewGeminiGenerator(ctx, m.creds.EnrichAPIKey, ec.Model)
	}
	if err != nil {
		log.Warn().Err(err).Msg("enrichment disabled, generator unavailable")
		return nil
	}
	return enrich.New(gen, enrich.StrategyFor(mode), ec.Concurrency, ec.Delay())
}
