package apikey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/routecore/routecore/internal/store"
)

const budgetCacheTTL = 30 * time.Second

// BudgetExceededError is returned when a tenant has exceeded its monthly
// budget ceiling.
type BudgetExceededError struct {
	Tenant    string
	BudgetUSD float64
	SpentUSD  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tenant %q monthly budget exceeded: budget=$%.2f, spent=$%.4f",
		e.Tenant, e.BudgetUSD, e.SpentUSD)
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// BudgetChecker enforces per-tenant monthly spend ceilings. A short TTL
// cache avoids summing the run log on every submission.
type BudgetChecker struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedSpend // tenant -> cached spend
}

func NewBudgetChecker(s store.Store) *BudgetChecker {
	return &BudgetChecker{store: s, cache: make(map[string]cachedSpend)}
}

// CheckBudget returns nil when the key's budget is unlimited (0) or not yet
// exceeded, and a *BudgetExceededError otherwise.
func (bc *BudgetChecker) CheckBudget(ctx context.Context, rec *store.TenantKeyRecord) error {
	if rec == nil || rec.MonthlyBudgetUSD <= 0 {
		return nil
	}

	spent, err := bc.getSpend(ctx, rec.Tenant)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}

	if spent >= rec.MonthlyBudgetUSD {
		return &BudgetExceededError{
			Tenant:    rec.Tenant,
			BudgetUSD: rec.MonthlyBudgetUSD,
			SpentUSD:  spent,
		}
	}
	return nil
}

func (bc *BudgetChecker) getSpend(ctx context.Context, tenant string) (float64, error) {
	bc.mu.RLock()
	if cached, ok := bc.cache[tenant]; ok && time.Now().Before(cached.expiresAt) {
		bc.mu.RUnlock()
		return cached.amount, nil
	}
	bc.mu.RUnlock()

	spent, err := bc.store.GetMonthlySpend(ctx, tenant)
	if err != nil {
		return 0, err
	}

	bc.mu.Lock()
	bc.cache[tenant] = cachedSpend{amount: spent, expiresAt: time.Now().Add(budgetCacheTTL)}
	bc.mu.Unlock()

	return spent, nil
}
