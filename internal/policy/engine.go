package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const reloadTimeout = 30 * time.Second

// Engine evaluates requests against the active policy table. A file-backed
// engine rebuilds the whole table when the policy file or a module next to it
// changes; an invocation always sees exactly one table.
type Engine struct {
	mu      sync.RWMutex
	path    string
	loader  *Loader
	watcher *FileWatcher
	table   Table
}

// NewEngine loads the table at path and watches its directory for changes.
func NewEngine(ctx context.Context, path string, loader *Loader) (*Engine, error) {
	table, err := loader.LoadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	engine := &Engine{
		path:   path,
		loader: loader,
		table:  table,
	}

	watcher, err := NewFileWatcher(filepath.Dir(path), engine.handlePolicyChange, ".yaml", ".yml", ".wasm", ".rego")
	if err != nil {
		closeEntries(table.Entries)
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	engine.watcher = watcher

	log.Info().Str("path", path).Int("count", len(table.Entries)).Bool("parallel", table.Parallel).Msg("policy table loaded")
	return engine, nil
}

// NewStaticEngine serves a fixed table built in code.
func NewStaticEngine(parallel bool, entries ...Entry) *Engine {
	return &Engine{table: Table{Parallel: parallel, Entries: entries}}
}

func (e *Engine) Evaluate(ctx context.Context, in Input) (EvaluationContext, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Evaluate(ctx, e.table.Entries, in, e.table.Parallel)
}

// Policies lists the active policy ids in evaluation order.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.table.Entries))
	for _, entry := range e.table.Entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

// Describe returns the active table as (id, type) pairs and the evaluation mode.
func (e *Engine) Describe() (entries []Entry, parallel bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entries = make([]Entry, len(e.table.Entries))
	for i, entry := range e.table.Entries {
		entries[i] = Entry{ID: entry.ID, Type: entry.Type}
	}
	return entries, e.table.Parallel
}

// Reload rebuilds the table from disk. On failure the current table stays active.
func (e *Engine) Reload() error {
	if e.path == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	table, err := e.loader.LoadFile(ctx, e.path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.table
	e.table = table
	e.mu.Unlock()

	closeEntries(old.Entries)

	log.Info().Int("count", len(table.Entries)).Msg("policies reloaded")
	return nil
}

func (e *Engine) Close() error {
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	closeEntries(e.table.Entries)
	e.table = Table{}
	return nil
}

func (e *Engine) handlePolicyChange(path string) {
	log.Info().Str("path", path).Msg("policy change detected")

	if err := e.Reload(); err != nil {
		log.Error().Err(err).Msg("failed to reload policies, keeping previous table")
	}
}
