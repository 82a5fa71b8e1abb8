package feedrows

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wiredove/wiredove/internal/storage"
)

// CursorPrefix prefixes the persisted remote since-cursor of each scope
const CursorPrefix = "wiredove.feedRowCursor."

// CursorManager tracks the remote row since-cursor per scope so repeated
// merges only request newer rows.
type CursorManager struct {
	storage *storage.Storage
}

// NewCursorManager creates a new cursor manager
func NewCursorManager(st *storage.Storage) *CursorManager {
	return &CursorManager{storage: st}
}

func cursorKey(scope Scope) string {
	return CursorPrefix + scope.String()
}

// GetSince returns the since cursor for scope.
// Returns 0 if no cursor exists or it cannot be read.
func (cm *CursorManager) GetSince(ctx context.Context, scope Scope) int64 {
	raw, ok, err := cm.storage.Get(ctx, cursorKey(scope))
	if err != nil || !ok {
		return 0
	}
	since, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || since < 0 {
		return 0
	}
	return since
}

// Update advances the cursor for scope. Older values are ignored.
func (cm *CursorManager) Update(ctx context.Context, scope Scope, since int64) error {
	if since <= cm.GetSince(ctx, scope) {
		return nil
	}
	if err := cm.storage.Put(ctx, cursorKey(scope), []byte(strconv.FormatInt(since, 10))); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// Reset forgets the cursor for scope
func (cm *CursorManager) Reset(ctx context.Context, scope Scope) error {
	return cm.storage.Delete(ctx, cursorKey(scope))
}
