package api

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/duckmesh/duckfilter/internal/filter"
	"github.com/duckmesh/duckfilter/internal/task"
)

// TaskEntry is a prepared task and the sessions serving it.
type TaskEntry struct {
	Transaction *filter.Transaction
	Pool        *SessionPool
}

// Registry holds the tasks the API serves, by name.
type Registry struct {
	entries map[string]*TaskEntry
	names   []string
}

// NewRegistry prepares every task. Each task may keep up to sessions engine
// sessions open.
func NewRegistry(ctx context.Context, tasks []task.Task, sessions int, opts filter.Options) (*Registry, error) {
	registry := &Registry{entries: make(map[string]*TaskEntry, len(tasks))}
	for _, t := range tasks {
		if _, ok := registry.entries[t.Name]; ok {
			_ = registry.Close()
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		tx, err := filter.NewTransaction(ctx, t, nil, opts)
		if err != nil {
			_ = registry.Close()
			return nil, fmt.Errorf("task %s: %w", t.Name, err)
		}
		registry.entries[t.Name] = &TaskEntry{
			Transaction: tx,
			Pool: NewSessionPool(sessions, func(ctx context.Context) (Runner, error) {
				return tx.Open(ctx)
			}),
		}
		registry.names = append(registry.names, t.Name)
	}
	sort.Strings(registry.names)
	return registry, nil
}

func (r *Registry) Lookup(name string) (*TaskEntry, bool) {
	entry, ok := r.entries[name]
	return entry, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) Close() error {
	var errs []error
	for _, entry := range r.entries {
		errs = append(errs, entry.Pool.Close())
	}
	return errors.Join(errs...)
}
