// Package enrich sends extracted item content through an external
// text-generation service. Enrichment is a best-effort enhancement: a failed
// call leaves the item's original content untouched and never fails the task.
package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"kbharvest/internal/model"
)

// Generator is the client for the external text-generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Strategy decouples the enrichment mechanism from what gets generated and
// how the result is merged back; one implementation per item kind.
type Strategy interface {
	BuildPrompt(item *model.CrawlItem) string
	ProcessResult(item *model.CrawlItem, raw string)
}

// Enricher drives batches of generation calls with a concurrency bound and a
// per-slot inter-request delay.
type Enricher struct {
	gen         Generator
	strategy    Strategy
	concurrency int
	delay       time.Duration
}

// New builds an Enricher. concurrency is clamped to at least 1; delay
// throttles each worker slot independently so the per-slot request rate
// stays within the provider's limits while slots still run in parallel.
func New(gen Generator, strategy Strategy, concurrency int, delay time.Duration) *Enricher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Enricher{gen: gen, strategy: strategy, concurrency: concurrency, delay: delay}
}

// EnrichAll processes items through the generator, at most e.concurrency
// requests in flight at once. Each of the worker slots waits e.delay between
// the start of its own consecutive requests. Returns the number of items
// successfully enriched; per-item failures are logged and skipped.
func (e *Enricher) EnrichAll(ctx context.Context, items []*model.CrawlItem) int {
	if len(items) == 0 || e.gen == nil {
		return 0
	}

	jobs := make(chan *model.CrawlItem)
	var enriched atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < e.concurrency; w++ {
		g.Go(func() error {
			first := true
			for item := range jobs {
				if !first && e.delay > 0 {
					select {
					case <-time.After(e.delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				first = false
				e.enrichOne(ctx, item, &enriched)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for _, item := range items {
			select {
			case jobs <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("enrichment batch interrupted")
	}
	return int(enriched.Load())
}

func (e *Enricher) enrichOne(ctx context.Context, item *model.CrawlItem, enriched *atomic.Int64) {
	prompt := e.strategy.BuildPrompt(item)
	if prompt == "" {
		return
	}
	raw, err := e.gen.Generate(ctx, prompt)
	if err != nil {
		// soft-fail: original content is retained
		log.Warn().Str("item", item.ExternalID).Err(err).Msg("enrichment failed, keeping original content")
		return
	}
	e.strategy.ProcessResult(item, raw)
	enriched.Add(1)
}
