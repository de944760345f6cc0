package api

import (
	"net/http"

	"github.com/duckmesh/duckfilter/internal/auth"
	"github.com/duckmesh/duckfilter/internal/columnar"
	"github.com/duckmesh/duckfilter/internal/filter"
)

type columnResponse struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	SQLType string `json:"sql_type,omitempty"`
}

type taskResponse struct {
	Name            string           `json:"name"`
	Query           string           `json:"query"`
	DefaultTimezone string           `json:"default_timezone"`
	InputSchema     []columnResponse `json:"input_schema"`
	OutputSchema    []columnResponse `json:"output_schema"`
}

func handleListTasks(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "no tasks are configured", false, nil)
		return
	}
	identity, scoped := auth.IdentityFromContext(r.Context())
	names := deps.Tasks.Names()
	items := make([]taskResponse, 0, len(names))
	for _, name := range names {
		if scoped && !identity.CanRun(name) {
			continue
		}
		entry, ok := deps.Tasks.Lookup(name)
		if !ok {
			continue
		}
		items = append(items, describeTask(entry.Transaction))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
}

func handleGetTask(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	entry, ok := lookupTask(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeTask(entry.Transaction))
}

func lookupTask(deps Dependencies, w http.ResponseWriter, r *http.Request) (*TaskEntry, bool) {
	if deps.Tasks == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TASKS_NOT_CONFIGURED", "no tasks are configured", false, nil)
		return nil, false
	}
	name := r.PathValue("task")
	entry, ok := deps.Tasks.Lookup(name)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "TASK_NOT_FOUND", "task not found", false, map[string]any{"task": name})
		return nil, false
	}
	return entry, true
}

func describeTask(tx *filter.Transaction) taskResponse {
	t := tx.Task()
	output := schemaColumns(tx.OutputSchema())
	for i, column := range tx.Columns() {
		output[i].SQLType = column.SQLType
	}
	return taskResponse{
		Name:            t.Name,
		Query:           t.Query,
		DefaultTimezone: t.DefaultTimezone,
		InputSchema:     schemaColumns(tx.InputSchema()),
		OutputSchema:    output,
	}
}

func schemaColumns(schema *columnar.Schema) []columnResponse {
	columns := make([]columnResponse, 0, schema.Len())
	for _, column := range schema.Columns() {
		columns = append(columns, columnResponse{Name: column.Name, Type: column.Type.String()})
	}
	return columns
}
