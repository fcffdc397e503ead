package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/money"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// --- Accounts ---

func (s *Store) GetOrCreateAccount(_ context.Context, kind string, ownerID uuid.UUID, name string, now time.Time) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Kind == kind && a.OwnerUserID != nil && *a.OwnerUserID == ownerID {
			cp := *a
			return &cp, nil
		}
	}
	a := &models.Account{
		ID:          uuid.New(),
		Kind:        kind,
		OwnerUserID: ptr(ownerID),
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.accounts[a.ID] = a
	s.balances[a.ID] = &models.AccountBalance{AccountID: a.ID, Currency: models.DefaultCurrency, UpdatedAt: now}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetBalance(_ context.Context, accountID uuid.UUID) (*models.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetCourseBilling(_ context.Context, courseID uuid.UUID) (*models.CourseBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.courseBilling[courseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cb
	return &cp, nil
}

func (s *Store) LinkCourseBilling(_ context.Context, courseID, accountID uuid.UUID, now time.Time) (*models.CourseBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courseBilling[courseID]; !ok {
		s.courseBilling[courseID] = &models.CourseBilling{CourseID: courseID, AccountID: accountID, CreatedAt: now}
	}
	cp := *s.courseBilling[courseID]
	return &cp, nil
}

// --- Ledger ---

func (s *Store) ApplyLedgerEntry(_ context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apply(nil, entry)
}

func (s *Store) ApplyUsageCharge(_ context.Context, event *models.UsageEvent, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apply(event, entry)
}

func (s *Store) apply(event *models.UsageEvent, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	if entry.IdempotencyKey != nil {
		if existing, ok := s.ledgerKeys[*entry.IdempotencyKey]; ok {
			cp := *existing
			return &cp, true, nil
		}
	}
	if _, ok := s.accounts[entry.AccountID]; !ok {
		return nil, false, store.ErrNotFound
	}

	b, ok := s.balances[entry.AccountID]
	if !ok {
		b = &models.AccountBalance{AccountID: entry.AccountID, Currency: entry.Currency}
	}
	next, err := money.SafeAdd(b.BalanceMicrodollars, entry.Delta())
	if err != nil {
		return nil, false, err
	}
	b.BalanceMicrodollars = next
	b.UpdatedAt = entry.CreatedAt
	s.balances[entry.AccountID] = b

	entry.BalanceAfter = next
	stored := *entry
	s.ledger = append(s.ledger, &stored)
	if entry.IdempotencyKey != nil {
		s.ledgerKeys[*entry.IdempotencyKey] = &stored
	}
	if event != nil {
		event.LedgerEntryID = entry.ID
		ev := *event
		s.usage = append(s.usage, &ev)
	}
	return entry, false, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter store.LedgerFilter) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID != filter.AccountID {
			continue
		}
		if filter.Cursor != "" && e.ID >= filter.Cursor {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := store.ClampLimit(filter.Limit, 50, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SumLedgerDeltas(_ context.Context, accountID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.ledger {
		if e.AccountID != accountID {
			continue
		}
		next, err := money.SafeAdd(sum, e.Delta())
		if err != nil {
			return 0, err
		}
		sum = next
	}
	return sum, nil
}

func (s *Store) ListUsageEvents(_ context.Context, accountID uuid.UUID, limit int) ([]*models.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = store.ClampLimit(limit, 50, 200)
	var out []*models.UsageEvent
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if s.usage[i].AccountID == accountID {
			cp := *s.usage[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Rate cards ---

func (s *Store) CreateRateCard(_ context.Context, r *models.RateCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rates {
		if existing.ID == r.ID {
			return store.ErrDuplicateKey
		}
	}
	cp := *r
	s.rates = append(s.rates, &cp)
	return nil
}

func effective(r *models.RateCard, now time.Time) bool {
	return r.Active && !r.EffectiveFrom.After(now) && (r.EffectiveTo == nil || r.EffectiveTo.After(now))
}

func (s *Store) GetActiveRate(_ context.Context, metric string, now time.Time) (*models.RateCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.RateCard
	for _, r := range s.rates {
		if r.Metric != metric || !effective(r, now) {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) ListActiveRates(_ context.Context, now time.Time) ([]*models.RateCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]*models.RateCard)
	for _, r := range s.rates {
		if !effective(r, now) {
			continue
		}
		if cur, ok := latest[r.Metric]; !ok || r.EffectiveFrom.After(cur.EffectiveFrom) {
			latest[r.Metric] = r
		}
	}
	out := make([]*models.RateCard, 0, len(latest))
	for _, r := range latest {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}
