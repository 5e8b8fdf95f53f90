package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/auth"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/provider"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/ratelimit"
)

// Authenticator produces browsing contexts. Satisfied by *auth.Manager.
type Authenticator interface {
	Ensure(ctx context.Context, clientID string, desc *provider.Descriptor) auth.Decision
}

// Searcher runs one query against an authenticated session. Satisfied by
// *Extractor.
type Searcher interface {
	Search(ctx context.Context, sess browser.Session, desc *provider.Descriptor, query string) Record
}

// Orchestrator fans a batch of product queries out across providers: one
// task per provider, queries sequential within a provider. Its contract is
// to always come back with a report string; provider failures become report
// lines, never errors.
type Orchestrator struct {
	registry *provider.Registry
	auth     Authenticator
	searcher Searcher
	logger   *slog.Logger

	minQueryDelay time.Duration
	maxQueryDelay time.Duration
}

func NewOrchestrator(registry *provider.Registry, authenticator Authenticator, searcher Searcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		auth:     authenticator,
		searcher: searcher,
		logger:   logger.With("component", "orchestrator"),
	}
}

// SetQueryPacing spaces successive queries against the same provider by a
// jittered delay. Zero disables pacing.
func (o *Orchestrator) SetQueryPacing(min, max time.Duration) {
	o.minQueryDelay = min
	o.maxQueryDelay = max
}

// Run scrapes every product on every selected provider and returns the
// aggregated report. Results are grouped by provider launch order, then by
// query order. The only error is caller misuse (empty product list).
func (o *Orchestrator) Run(ctx context.Context, clientID string, products []string, providerIDs []string) (string, error) {
	report, _, err := o.RunWithStatus(ctx, clientID, products, providerIDs)
	return report, err
}

// RunWithStatus additionally reports which providers are blocked on a human
// login, so a job runner can park the job until the operator completes it.
func (o *Orchestrator) RunWithStatus(ctx context.Context, clientID string, products []string, providerIDs []string) (string, []string, error) {
	if len(products) == 0 {
		return "", nil, fmt.Errorf("product list is empty")
	}

	acc := newAccumulator(len(providerIDs))
	var wg sync.WaitGroup

	for i, providerID := range providerIDs {
		desc, err := o.registry.Get(providerID)
		if err != nil {
			acc.append(i, Record{ProviderID: providerID, Err: fmt.Sprintf("error: %v", err)})
			continue
		}

		wg.Add(1)
		go func(slot int, desc *provider.Descriptor) {
			defer wg.Done()
			o.scrapeProvider(ctx, clientID, desc, products, slot, acc)
		}(i, desc)
	}

	wg.Wait()

	records := acc.flatten()

	var pendingLogins []string
	for _, rec := range records {
		if rec.LoginNeeded {
			pendingLogins = append(pendingLogins, rec.ProviderID)
		}
	}

	return renderReport(records), pendingLogins, nil
}

// scrapeProvider handles one provider end to end. A panic anywhere inside
// becomes an error record so sibling providers are never affected.
func (o *Orchestrator) scrapeProvider(ctx context.Context, clientID string, desc *provider.Descriptor, products []string, slot int, acc *accumulator) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("provider task panicked", "provider_id", desc.ID, "panic", r)
			acc.append(slot, Record{ProviderID: desc.ID, Err: fmt.Sprintf("error: %v", r)})
		}
	}()

	decision := o.auth.Ensure(ctx, clientID, desc)

	switch decision.Outcome {
	case auth.LoginRequired:
		o.logger.Info("provider needs login", "provider_id", desc.ID)
		acc.append(slot, Record{
			ProviderID:  desc.ID,
			Err:         fmt.Sprintf("login required: %s", decision.LoginURL),
			LoginNeeded: true,
		})
		return

	case auth.Failed:
		o.logger.Warn("provider authentication failed", "provider_id", desc.ID, "reason", decision.Reason)
		acc.append(slot, Record{
			ProviderID: desc.ID,
			Err:        fmt.Sprintf("login failed: %s", decision.Reason),
		})
		return
	}

	sess := decision.Session
	defer sess.Close()

	var limiter ratelimit.Limiter
	if o.minQueryDelay > 0 {
		limiter = ratelimit.NewJittered(o.minQueryDelay, o.maxQueryDelay)
	}

	// Queries share the provider's search box, so they must run in caller
	// order; parallelism lives at the provider level.
	for _, query := range products {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				acc.append(slot, Record{ProviderID: desc.ID, Query: query, Err: fmt.Sprintf("error: %v", err)})
				return
			}
		}

		record := o.searcher.Search(ctx, sess, desc, query)
		acc.append(slot, record)
	}
}

// accumulator collects records per provider slot so the final report is
// grouped by launch order no matter how the tasks interleave.
type accumulator struct {
	mu      sync.Mutex
	perSlot [][]Record
}

func newAccumulator(slots int) *accumulator {
	return &accumulator{perSlot: make([][]Record, slots)}
}

func (a *accumulator) append(slot int, records ...Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perSlot[slot] = append(a.perSlot[slot], records...)
}

func (a *accumulator) flatten() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []Record
	for _, records := range a.perSlot {
		all = append(all, records...)
	}
	return all
}
