package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/substancecache/internal/cacheerr"
)

// BackendClient is the upstream data source the revalidator pulls from.
// FetchRedirects is optional: implementations that have no redirect concept
// may return (nil, nil).
type BackendClient interface {
	ListNames(ctx context.Context) ([]string, error)
	FetchRecord(ctx context.Context, name string) ([]byte, error)
	FetchRedirects(ctx context.Context) (map[string][]string, error)
}

// RecordParser turns a backend payload into a Record.
type RecordParser interface {
	Parse(raw []byte, name string) (Record, error)
}

// Config holds the tunables of a Revalidator, matching spec.md §6's
// configuration table.
type Config struct {
	BaseTTL                time.Duration
	MaxConcurrency         int
	CachePath              string
	BaselineLatencyMs      float64
	PollInterval           time.Duration
	ReconciliationInterval time.Duration
	ColdStartMinRecords    int
	ColdStartMaxRetries    int
	UpdatePersistEveryN    uint64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseTTL:                24 * time.Hour,
		MaxConcurrency:         10,
		CachePath:              "substancecache.bin",
		BaselineLatencyMs:      500,
		PollInterval:           time.Second,
		ReconciliationInterval: 6 * time.Hour,
		ColdStartMinRecords:    10,
		ColdStartMaxRetries:    5,
		UpdatePersistEveryN:    100,
	}
}

// Revalidator ties together the snapshot holder, the revalidation queue, the
// adaptive shaping controller, and the backend client/parser pair into the
// single cooperative refresh loop described in spec.md §4.4-4.5.
//
// Grounded on original_source/src/cache/revalidator.rs's Revalidator.
type Revalidator struct {
	cfg      Config
	holder   *Holder
	queue    *Queue
	shape    *Controller
	client   BackendClient
	parser   RecordParser
	log      *zap.Logger
	curated  AliasTable

	updateCounter atomic.Uint64
}

// New constructs a Revalidator around an already-built Holder. curated is
// the operator-maintained alias table (e.g. loaded from the on-disk alias
// file, possibly kept live by an AliasWatcher); it always wins over
// backend-supplied redirects for the same alias (spec P8).
func New(cfg Config, holder *Holder, client BackendClient, parser RecordParser, curated AliasTable, log *zap.Logger) *Revalidator {
	if curated.Aliases == nil {
		curated = AliasTable{Aliases: map[string][]string{}}
	}
	return &Revalidator{
		cfg:     cfg,
		holder:  holder,
		queue:   NewQueue(cfg.BaseTTL, cfg.MaxConcurrency),
		shape:   NewController(cfg.MaxConcurrency, cfg.BaselineLatencyMs),
		client:  client,
		parser:  parser,
		curated: curated,
		log:     log.Named("revalidator"),
	}
}

// ColdStart builds a brand-new snapshot from the backend when no valid cache
// file is on disk. Name listing is retried with exponential backoff (the
// backend may not be ready immediately after boot); each record fetch is
// best-effort. Cold start fails if name listing still fails after
// ColdStartMaxRetries retries, or if fewer than ColdStartMinRecords records
// were successfully retrieved.
func (r *Revalidator) ColdStart(ctx context.Context) error {
	r.log.Info("cold start: listing backend names")

	var names []string
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.cfg.ColdStartMaxRetries))
	err := backoff.Retry(func() error {
		var listErr error
		names, listErr = r.client.ListNames(ctx)
		return listErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("%w: list backend names after retries: %v", cacheerr.ErrFatalStartup, err)
	}

	aliases, err := r.loadAliasesAndRedirects(ctx)
	if err != nil {
		r.log.Warn("cold start: alias/redirect load failed, continuing without", zap.Error(err))
		aliases = AliasTable{Aliases: map[string][]string{}}
	}

	records := r.fetchAll(ctx, names)
	if len(records) < r.cfg.ColdStartMinRecords {
		return fmt.Errorf("%w: cold start retrieved only %d records, need >= %d", cacheerr.ErrFatalStartup, len(records), r.cfg.ColdStartMinRecords)
	}

	snap := BuildWithAliases(records, aliases)
	r.holder.Swap(snap)
	r.queue.AddMany(snap.Names())

	if err := PersistToDisk(snap, r.cfg.CachePath); err != nil {
		r.log.Error("cold start: initial persist failed", zap.Error(err))
	}

	r.log.Info("cold start complete", zap.Int("records", len(records)))
	return nil
}

// WarmStart loads the snapshot from an existing valid cache file and seeds
// the revalidation queue from it, skipping the full backend fetch.
func (r *Revalidator) WarmStart(ctx context.Context) error {
	aliases, err := r.loadAliasesAndRedirects(ctx)
	if err != nil {
		r.log.Warn("warm start: alias/redirect load failed, continuing without", zap.Error(err))
		aliases = AliasTable{Aliases: map[string][]string{}}
	}

	snap, err := LoadFromDisk(r.cfg.CachePath, aliases)
	if err != nil {
		return fmt.Errorf("warm start: %w", err)
	}

	r.holder.Swap(snap)
	r.queue.AddMany(snap.Names())
	r.log.Info("warm start complete", zap.Int("records", snap.Len()))
	return nil
}

func (r *Revalidator) loadAliasesAndRedirects(ctx context.Context) (AliasTable, error) {
	table := AliasTable{Aliases: make(map[string][]string, len(r.curated.Aliases))}
	for target, aliases := range r.curated.Aliases {
		table.Aliases[target] = append([]string(nil), aliases...)
	}

	if redirects, err := r.client.FetchRedirects(ctx); err == nil && redirects != nil {
		table.MergeRedirects(redirects)
	}
	return table, nil
}

func (r *Revalidator) fetchAll(ctx context.Context, names []string) []Record {
	records := make([]Record, 0, len(names))
	resultCh := make(chan Record, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			raw, err := r.client.FetchRecord(gctx, name)
			if err != nil {
				r.log.Debug("cold start fetch failed", zap.String("name", name), zap.Error(err))
				return nil
			}
			rec, err := r.parser.Parse(raw, name)
			if err != nil {
				r.log.Debug("cold start parse failed", zap.String("name", name), zap.Error(err))
				return nil
			}
			resultCh <- rec
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)
	for rec := range resultCh {
		records = append(records, rec)
	}
	return records
}

// Run is the main cooperative revalidation loop. It exits when ctx is
// cancelled, performing a final persist on the way out.
func (r *Revalidator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	reconcileTicker := time.NewTicker(r.cfg.ReconciliationInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()

		case <-reconcileTicker.C:
			r.Reconcile(ctx)

		case <-ticker.C:
			if r.shape.ShouldPause() {
				time.Sleep(5 * time.Second)
				// No attempts run while paused, so re-evaluate here to let the
				// circuit recover once the healthy window has passed.
				action, delay := Evaluate(r.shape.Metrics.Derive(), r.shape.Thresholds, r.shape.State)
				if r.shape.State.Apply(action, delay) && action == ActionCircuitRecover {
					r.shape.Metrics.MarkHealthyNow()
				}
				continue
			}
			r.runBatch(ctx)
			if delay := r.shape.RateLimitDelay(); delay > 0 {
				time.Sleep(delay)
			}
		}
	}
}

// Reconcile diffs the backend's current name list against the snapshot,
// adding genuinely new names (and expediting their first revalidation) and
// expediting (not immediately removing) names the backend no longer lists —
// deletion still flows only through the queue's 3-strike NotFound protocol,
// so a name vanishing from one listing call can't itself evict a record.
func (r *Revalidator) Reconcile(ctx context.Context) {
	names, err := r.client.ListNames(ctx)
	if err != nil {
		r.log.Warn("reconciliation: list names failed", zap.Error(err))
		return
	}

	backendSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		backendSet[n] = struct{}{}
	}

	snap := r.holder.Current()
	snapSet := make(map[string]struct{}, len(snap.Records))
	for _, rec := range snap.Records {
		snapSet[rec.Name] = struct{}{}
	}

	var added, missing int
	for n := range backendSet {
		if _, ok := snapSet[n]; !ok {
			r.queue.Add(n)
			r.queue.Expedite(n)
			added++
		}
	}
	for n := range snapSet {
		if _, ok := backendSet[n]; !ok {
			r.queue.Expedite(n)
			missing++
		}
	}

	r.log.Info("reconciliation complete", zap.Int("new", added), zap.Int("missing", missing))
}

func (r *Revalidator) runBatch(ctx context.Context) {
	batchSize := r.shape.CurrentConcurrency()
	due := r.queue.SelectDue(batchSize)
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range due {
		release, ok := r.queue.AcquirePermit(gctx)
		if !ok {
			continue
		}
		name := name
		g.Go(func() error {
			defer release()
			r.revalidateOne(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Revalidator) revalidateOne(ctx context.Context, name string) {
	r.queue.MarkAttempt(name)
	start := time.Now()

	raw, err := r.client.FetchRecord(ctx, name)
	latency := time.Since(start).Seconds() * 1000

	var outcome RevalidationOutcome
	var rec Record
	var parseErr error

	switch {
	case err != nil && cacheerr.Classify(err) == cacheerr.KindNotFound:
		outcome = OutcomeNotFound
	case err != nil:
		outcome = OutcomeError
	default:
		rec, parseErr = r.parser.Parse(raw, name)
		if parseErr != nil {
			outcome = OutcomeError
		} else {
			outcome = OutcomeSuccess
		}
	}

	r.shape.RecordAndEvaluate(Attempt{
		At:        time.Now(),
		Success:   outcome == OutcomeSuccess,
		LatencyMs: latency,
		Name:      name,
	})

	action := r.queue.ApplyOutcome(name, outcome)
	switch action {
	case ActionUpdateSnapshot:
		r.holder.UpdateRecord(name, rec)
		r.maybePersist()
	case ActionRemoveFromSnapshot:
		r.holder.RemoveRecord(name)
		r.persistNow()
	}
}

// maybePersist persists every UpdatePersistEveryN successful updates, rather
// than on every single one, to bound disk write frequency under steady
// churn.
func (r *Revalidator) maybePersist() {
	n := r.updateCounter.Add(1)
	every := r.cfg.UpdatePersistEveryN
	if every == 0 {
		every = 1
	}
	if n%every == 0 {
		r.persistNow()
	}
}

func (r *Revalidator) persistNow() {
	snap := r.holder.Current()
	if err := PersistToDisk(snap, r.cfg.CachePath); err != nil {
		r.log.Error("persist failed", zap.Error(err))
	}
}

func (r *Revalidator) shutdown() error {
	r.log.Info("shutting down: draining in-flight work")
	r.queue.StopAccepting()

	for r.queue.InFlightCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	r.persistNow()
	r.log.Info("shutdown complete")
	return nil
}
