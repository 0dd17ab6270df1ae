package hitl

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fleetgate/backend/internal/catalog"
)

// readOnlyTools never mutate device state and are allowed without human
// review when no policy says otherwise.
var readOnlyTools = map[string]bool{
	"get_system_info":  true,
	"get_status":       true,
	"list_processes":   true,
	"list_services":    true,
	"read_file":        true,
	"read_logs":        true,
	"ping":             true,
	"check_disk_usage": true,
}

// IsReadOnlyTool reports whether the tool is classified read-only.
func IsReadOnlyTool(tool string) bool {
	return readOnlyTools[tool]
}

// policyCache is the per-tenant approval-policy cache. Tenants are loaded
// lazily on first lookup and held until Invalidate or clear.
type policyCache struct {
	store catalog.Store

	mu      sync.RWMutex
	tenants map[string]map[string]catalog.Policy // tenant -> tool -> policy
}

func (pc *policyCache) init(store catalog.Store) {
	pc.store = store
	pc.tenants = make(map[string]map[string]catalog.Policy)
}

// lookup returns the tenant's policy for the tool. A load failure is
// surfaced so the caller can decide to escalate instead of allow.
func (pc *policyCache) lookup(ctx context.Context, tenantID, tool string) (catalog.Policy, bool, error) {
	pc.mu.RLock()
	byTool, loaded := pc.tenants[tenantID]
	pc.mu.RUnlock()

	if !loaded {
		var err error
		byTool, err = pc.load(ctx, tenantID)
		if err != nil {
			return catalog.Policy{}, false, err
		}
	}

	p, ok := byTool[tool]
	return p, ok, nil
}

func (pc *policyCache) load(ctx context.Context, tenantID string) (map[string]catalog.Policy, error) {
	policies, err := pc.store.Policies(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byTool := make(map[string]catalog.Policy, len(policies))
	for _, p := range policies {
		byTool[p.ToolName] = p
	}

	pc.mu.Lock()
	// A concurrent loader may have won; keep whichever is present.
	if existing, ok := pc.tenants[tenantID]; ok {
		byTool = existing
	} else {
		pc.tenants[tenantID] = byTool
	}
	pc.mu.Unlock()

	slog.Debug("Approval policies cached", "tenantId", tenantID, "count", len(byTool))
	return byTool, nil
}

// Invalidate drops one tenant's cached policies.
func (pc *policyCache) Invalidate(tenantID string) {
	pc.mu.Lock()
	delete(pc.tenants, tenantID)
	pc.mu.Unlock()
}

func (pc *policyCache) clear() {
	pc.mu.Lock()
	pc.tenants = make(map[string]map[string]catalog.Policy)
	pc.mu.Unlock()
}
