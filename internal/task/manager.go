// Package task owns the task lifecycle: it persists records, dispatches
// bounded background workers and runs the crawl pipeline for each task.
package task

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kbharvest/internal/config"
	"kbharvest/internal/model"
	"kbharvest/internal/store"
)

// Manager is the task engine. It is the only writer of task status and
// timestamps; workers report back exclusively through it.
type Manager struct {
	store *store.Store
	cfg   config.Config
	creds config.Credentials

	semaphore chan struct{}
	workersWG sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	baseCtx context.Context
}

// NewManager builds the engine. Worker concurrency across tasks is bounded
// by cfg.MaxConcurrentTasks; excess tasks queue in pending state.
func NewManager(st *store.Store, cfg config.Config, creds config.Credentials) *Manager {
	max := cfg.MaxConcurrentTasks
	if max < 1 {
		max = 1
	}
	return &Manager{
		store:     st,
		cfg:       cfg,
		creds:     creds,
		semaphore: make(chan struct{}, max),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   context.Background(),
	}
}

// SetBaseContext installs the context all workers derive from. Cancelling
// it stops every running worker; used for graceful shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
}

// WaitAll blocks until every dispatched worker has returned or ctx expires.
// Returns false on timeout.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CreateTask validates the request, persists a pending record and
// dispatches a background worker. It returns immediately; crawling happens
// asynchronously.
func (m *Manager) CreateTask(query string, mode model.Mode, callbackURL string, filterCfg *model.FilterConfig) (*model.Task, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if !mode.Valid() {
		return nil, ErrUnknownMode
	}

	effectiveFilter := m.cfg.Filter
	if filterCfg != nil {
		effectiveFilter = *filterCfg
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	t := &model.Task{
		ID:          id,
		Mode:        mode,
		Status:      model.StatusPending,
		Query:       query,
		OutputDir:   filepath.Join(m.cfg.DataDir, "tasks", id, "output"),
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if filterCfg != nil {
		t.Extra = map[string]any{"filter_override": true}
	}

	if err := m.store.CreateTask(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()
	ctx, cancel := context.WithCancel(base)
	m.mu.Lock()
	m.cancels[t.ID] = cancel
	m.mu.Unlock()

	m.workersWG.Add(1)
	go m.runWorker(ctx, t, effectiveFilter)

	log.Info().Str("task_id", t.ID).Str("mode", string(mode)).Msg("task created")
	return t, nil
}

// GetTask loads one task.
func (m *Manager) GetTask(id string) (*model.Task, error) {
	t, err := m.store.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns a page of tasks ordered newest first.
func (m *Manager) ListTasks(skip, limit int, status model.Status) ([]*model.Task, int, error) {
	return m.store.ListTasks(skip, limit, status)
}

// DeleteTask removes the record and signals a running worker to stop. It
// returns immediately; the worker observes cancellation at its next
// traversal step and exits without touching already-written output.
func (m *Manager) DeleteTask(id string) error {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	err := m.store.DeleteTask(id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err == nil {
		log.Info().Str("task_id", id).Msg("task deleted")
	}
	return err
}

func (m *Manager) releaseCancel(id string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
}
