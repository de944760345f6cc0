package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

// RoleFilterRunner may submit batches to filter tasks.
const RoleFilterRunner = "filter_runner"

const allTasks = "*"

// Identity is the caller behind an API key. An empty Tasks list grants every
// task.
type Identity struct {
	ClientID string
	Roles    []string
	Tasks    []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// CanRun reports whether the identity may see and invoke the named task.
func (i Identity) CanRun(task string) bool {
	return len(i.Tasks) == 0 || slices.Contains(i.Tasks, task)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds identities keyed by the SHA-256 digest of their
// API key.
type StaticAPIKeyValidator struct {
	keys map[[sha256.Size]byte]Identity
}

// NewStaticAPIKeyValidator parses comma separated entries of the form
// key:client:role|role[:task|task]. A missing task list or "*" grants every
// task.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[[sha256.Size]byte]Identity{}}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if _, exists := validator.keys[digest]; exists {
			return nil, fmt.Errorf("invalid static key entry for client %q: duplicate key", identity.ClientID)
		}
		validator.keys[digest] = identity
	}
	return validator, nil
}

// parseEntry never echoes the key itself in its errors.
func parseEntry(entry string) (string, Identity, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return "", Identity{}, fmt.Errorf("invalid static key entry: expected key:client:role|role[:task|task], got %d fields", len(parts))
	}
	key := strings.TrimSpace(parts[0])
	client := strings.TrimSpace(parts[1])
	if key == "" || client == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry: empty key or client")
	}
	roles := splitList(parts[2])
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry for client %q: at least one role is required", client)
	}
	var tasks []string
	if len(parts) == 4 {
		tasks = splitList(parts[3])
		if len(tasks) == 0 {
			return "", Identity{}, fmt.Errorf("invalid static key entry for client %q: empty task list", client)
		}
		if slices.Contains(tasks, allTasks) {
			tasks = nil
		}
	}
	return key, Identity{ClientID: client, Roles: roles, Tasks: tasks}, nil
}

// splitList splits a |-separated list, dropping blanks and duplicates.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, "|") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}
