// Package ops holds the sensitive marketplace operations exposed through the
// preview/confirm/execute pipeline. Each action validates its own business
// rules; the orchestrator owns tokens, idempotency and audit.
package ops

import (
	"fmt"
	"sort"
	"time"

	"opsgate/internal/config"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
)

// Env bundles what every action needs.
type Env struct {
	Repo repo.Repo
	Cfg  *config.Config
	Now  func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Registry returns every registered action keyed by name.
func Registry(env Env) map[string]protocol.Action {
	actions := []protocol.Action{
		RefundAction{env},
		SuspendAction{env},
		CreditAction{env},
		CommissionAction{env},
		BroadcastAction{env},
	}
	reg := make(map[string]protocol.Action, len(actions))
	for _, a := range actions {
		reg[a.Name()] = a
	}
	return reg
}

// Names returns the registered operation names in stable order.
func Names(reg map[string]protocol.Action) []string {
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func optionalStringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

// int64Param accepts JSON numbers (decoded as float64) and native ints so the
// same params work from HTTP handlers and in-process callers.
func int64Param(params map[string]any, key string) (int64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
