// Package engine ties the registry, finder, chain builder, and orchestrator
// into one analysis facade. An Engine owns the in-process registry; callers
// refresh it from the store, run an analysis cycle, and act on the proposals
// through the orchestrator.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"compensa/chain"
	"compensa/ledger"
	"compensa/match"
	"compensa/metrics"
	"compensa/settle"
)

// Config bounds one analysis cycle.
type Config struct {
	MaxDepth  int
	MaxChains int
}

// Engine runs analysis cycles and hands proposals to the orchestrator.
type Engine struct {
	store    ledger.Store
	registry *ledger.Registry
	finder   *match.Finder
	builder  *chain.Builder
	orch     *settle.Orchestrator
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	// one analysis cycle at a time; execution stays concurrent
	analyzing sync.Mutex

	now func() time.Time
}

func New(store ledger.Store, registry *ledger.Registry, finder *match.Finder, builder *chain.Builder,
	orch *settle.Orchestrator, m *metrics.Metrics, log *slog.Logger, cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = chain.DefaultMaxDepth
	}
	if cfg.MaxChains <= 0 {
		cfg.MaxChains = 32
	}
	return &Engine{
		store:    store,
		registry: registry,
		finder:   finder,
		builder:  builder,
		orch:     orch,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Result is the outcome of one analysis cycle. Matches and chains are already
// submitted to the orchestrator in analyzing state.
type Result struct {
	Matches []match.Match
	Chains  []chain.Chain
	Expired []string
}

// authority identifies one tax authority's book of records.
type authority struct {
	Sphere           ledger.Sphere
	JurisdictionCode string
}

// Analyze runs one full cycle: refresh the registry from the store, find
// direct candidates per tax authority in parallel, build chains rooted at the
// debts no direct candidate covers, and submit everything to the
// orchestrator.
func (e *Engine) Analyze(ctx context.Context, filter ledger.Filter) (Result, error) {
	e.analyzing.Lock()
	defer e.analyzing.Unlock()

	credits, debts, err := e.store.LoadRecords(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load records: %w", err)
	}
	e.registry.Load(credits, debts)
	expired := e.registry.MarkExpired(e.now())
	if len(expired) > 0 {
		e.log.Info("expired credits", "count", len(expired))
	}
	credits, debts = e.registry.Snapshot()

	parts := partition(credits, debts)
	results := make([][]match.Match, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for i := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.finder.FindDirectMatches(parts[i].credits, parts[i].debts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("engine: direct matching: %w", err)
	}

	var candidates []match.Match
	for _, r := range results {
		candidates = append(candidates, r...)
	}
	match.Rank(candidates)

	// Chains are rooted at debts no direct candidate can touch. They may
	// cross authority boundaries wherever the conversion table allows it.
	covered := make(map[string]struct{}, len(candidates))
	for _, m := range candidates {
		covered[m.DebtID] = struct{}{}
	}
	var roots []string
	for i := range debts {
		d := &debts[i]
		if !d.Payable() {
			continue
		}
		if _, ok := covered[d.ID]; !ok {
			roots = append(roots, d.ID)
		}
	}
	chains := e.builder.BuildChains(ctx, credits, debts, roots, e.cfg.MaxDepth, e.cfg.MaxChains)

	res := Result{
		Matches: make([]match.Match, 0, len(candidates)),
		Chains:  make([]chain.Chain, 0, len(chains)),
		Expired: expired,
	}
	for _, m := range candidates {
		res.Matches = append(res.Matches, e.orch.SubmitMatch(m))
	}
	for _, c := range chains {
		res.Chains = append(res.Chains, e.orch.SubmitChain(c))
	}

	e.log.Info("analysis cycle complete",
		"credits", len(credits), "debts", len(debts),
		"candidates", len(res.Matches), "chains", len(res.Chains))
	return res, nil
}

type part struct {
	credits []ledger.CreditRecord
	debts   []ledger.DebtRecord
}

// partition splits records by tax authority. Direct matching never crosses an
// authority boundary: a credit only offsets debts owed to the body that
// issued it.
func partition(credits []ledger.CreditRecord, debts []ledger.DebtRecord) []part {
	byAuth := make(map[authority]*part)
	var order []authority
	get := func(a authority) *part {
		p, ok := byAuth[a]
		if !ok {
			p = &part{}
			byAuth[a] = p
			order = append(order, a)
		}
		return p
	}
	for _, c := range credits {
		p := get(authority{c.Sphere, c.JurisdictionCode})
		p.credits = append(p.credits, c)
	}
	for _, d := range debts {
		p := get(authority{d.Sphere, d.JurisdictionCode})
		p.debts = append(p.debts, d)
	}
	out := make([]part, 0, len(order))
	for _, a := range order {
		out = append(out, *byAuth[a])
	}
	return out
}
