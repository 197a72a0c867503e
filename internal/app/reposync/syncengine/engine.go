// Package syncengine is the scheduling coordinator: it drives a cooperative
// cycle over every auto-sync-enabled connection, reconciling remote state,
// sweeping merged pull requests and direct commits, and advancing each
// connection's cursor, per spec.md §4.7.
package syncengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/changeprocessor"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/workspaceclient"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const (
	defaultPeriod      = 5 * time.Minute
	defaultMinInterval = 2 * time.Minute
	defaultWorkers     = 4
	maxCommitsPerCycle = 10
)

var _ system.Service = (*Engine)(nil)

// ManualResult reports what a single connection cycle actually did, for the
// Connection API's /sync/manual endpoint.
type ManualResult struct {
	PRCount     int
	CommitCount int
	PRNumbers   []int
	CommitSHAs  []string
}

// Engine is the lifecycle-managed sync coordinator.
type Engine struct {
	store      store.Store
	processor  *changeprocessor.Processor
	vcsBaseURL string

	period      time.Duration
	minInterval time.Duration
	workers     int

	tracer core.Tracer
	log    *logger.Logger

	mu             sync.Mutex
	cronSched      *cron.Cron
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	running        bool
	lastCycleStart map[string]time.Time
	repoLocks      sync.Map // normalized repoKey -> *sync.Mutex

	cyclesTotal       prometheus.Counter
	cycleErrorsTotal  prometheus.Counter
	prsProcessedTotal prometheus.Counter
}

// New constructs an Engine with the spec's default cadence and worker pool
// size. vcsBaseURL is the hosted VCS provider's API root shared by every
// connection's per-cycle client.
func New(st store.Store, processor *changeprocessor.Processor, vcsBaseURL string, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("reposync-syncengine")
	}
	return &Engine{
		store: st, processor: processor, vcsBaseURL: vcsBaseURL,
		period: defaultPeriod, minInterval: defaultMinInterval, workers: defaultWorkers,
		tracer:         core.NoopTracer,
		log:            log,
		lastCycleStart: make(map[string]time.Time),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reposync_cycles_total", Help: "Total number of per-connection sync cycles run.",
		}),
		cycleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reposync_cycle_errors_total", Help: "Total number of errors logged during per-connection sync cycles.",
		}),
		prsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reposync_prs_processed_total", Help: "Total number of merged pull requests successfully processed.",
		}),
	}
}

// WithPeriod overrides the default cycle cadence P.
func (e *Engine) WithPeriod(period time.Duration) *Engine {
	if period > 0 {
		e.period = period
	}
	return e
}

// WithMinInterval overrides the default per-connection min-interval M.
func (e *Engine) WithMinInterval(interval time.Duration) *Engine {
	if interval > 0 {
		e.minInterval = interval
	}
	return e
}

// WithWorkers overrides the default worker pool size.
func (e *Engine) WithWorkers(workers int) *Engine {
	if workers > 0 {
		e.workers = workers
	}
	return e
}

// WithTracer configures an optional tracer for cycle and per-unit-of-work
// spans.
func (e *Engine) WithTracer(tracer core.Tracer) *Engine {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	e.tracer = tracer
	e.processor.WithTracer(tracer)
	return e
}

// Period returns the configured cycle cadence.
func (e *Engine) Period() time.Duration {
	return e.period
}

// Collectors exposes the engine's prometheus counters for registration by
// the application's metrics registry.
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{e.cyclesTotal, e.cycleErrorsTotal, e.prsProcessedTotal}
}

// Name returns the service identifier.
func (e *Engine) Name() string { return "reposync-engine" }

// Descriptor advertises the engine's architectural placement.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "reposync-engine",
		Domain:       "reposync",
		Layer:        core.LayerEngine,
		Capabilities: []string{"schedule", "sync"},
	}
}

// Start runs one cycle immediately, then schedules further cycles every
// period via robfig/cron's "@every" spec.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.cronSched = cron.New()
	if _, err := e.cronSched.AddFunc(fmt.Sprintf("@every %s", e.period), func() { e.runCycleForAll(runCtx) }); err != nil {
		return fmt.Errorf("syncengine: schedule cycle: %w", err)
	}
	e.cronSched.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCycleForAll(runCtx)
	}()

	e.log.Info("sync engine started")
	return nil
}

// Stop halts the cron schedule and lets any in-flight per-connection cycle
// reach its next cancellation-checked point before returning.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if e.cronSched != nil {
		<-e.cronSched.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.Info("sync engine stopped")
	return nil
}

func (e *Engine) lockFor(repoKey string) *sync.Mutex {
	key := store.NormalizeRepoKey(repoKey)
	actual, _ := e.repoLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// runCycleForAll iterates every auto-sync-enabled connection with a bounded
// worker pool; a failure in one connection's cycle never affects another.
func (e *Engine) runCycleForAll(ctx context.Context) {
	connections, err := e.store.All(ctx)
	if err != nil {
		e.log.WithField("error", err).Warn("syncengine: failed to list connections")
		return
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, conn := range connections {
		if !conn.AutoSyncEnabled {
			continue
		}
		e.mu.Lock()
		last, seen := e.lastCycleStart[conn.RepoKey]
		if seen && time.Since(last) < e.minInterval {
			e.mu.Unlock()
			continue
		}
		e.lastCycleStart[conn.RepoKey] = time.Now()
		e.mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(c domain.ConnectionRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.runCycleForConnection(ctx, c); err != nil {
				e.log.WithField("repo_key", c.RepoKey).WithField("error", err).Warn("syncengine: cycle failed")
			}
		}(conn)
	}
	wg.Wait()
}

// TriggerOne forces an out-of-schedule cycle for a single connection,
// serialised against any concurrently scheduled cycle for the same repoKey.
func (e *Engine) TriggerOne(ctx context.Context, repoKey string) (ManualResult, error) {
	conn, found, err := e.store.Get(ctx, repoKey)
	if err != nil {
		return ManualResult{}, fmt.Errorf("syncengine: lookup connection: %w", err)
	}
	if !found {
		return ManualResult{}, fmt.Errorf("syncengine: unknown repoKey %s", repoKey)
	}
	return e.runCycleForConnection(ctx, conn)
}

func (e *Engine) runCycleForConnection(ctx context.Context, conn domain.ConnectionRecord) (ManualResult, error) {
	lock := e.lockFor(conn.RepoKey)
	lock.Lock()
	defer lock.Unlock()

	spanCtx, finish := e.tracer.StartSpan(ctx, "syncengine.cycle", map[string]string{"repo_key": conn.RepoKey})
	defer func() { finish(nil) }()
	ctx = spanCtx
	e.cyclesTotal.Inc()

	ws := workspaceclient.New(conn.WorkspaceEndpoint, nil, e.log).WithTracer(e.tracer)
	_, stillExists, err := ws.DocumentExists(ctx, conn.DocumentTitle)
	if err != nil {
		e.cycleErrorsTotal.Inc()
		return ManualResult{}, fmt.Errorf("reconcile workspace document: %w", err)
	}
	if !stillExists {
		if err := e.store.Delete(ctx, conn.RepoKey); err != nil {
			e.log.WithField("repo_key", conn.RepoKey).Warn("syncengine: failed to delete connection with missing remote document")
		}
		e.log.WithField("repo_key", conn.RepoKey).Info("syncengine: remote document gone, connection removed")
		return ManualResult{}, nil
	}

	owner, name := domain.SplitRepoKey(conn.RepoKey)
	vcs := vcsclient.New(e.vcsBaseURL, conn.Credential, nil, e.log).WithTracer(e.tracer)

	lastProcessedPR := 0
	if conn.LastProcessedPR != nil {
		lastProcessedPR = *conn.LastProcessedPR
	}

	var result ManualResult
	highestPR := lastProcessedPR
	cancelled := false

	prs, err := vcs.ListMergedPRsSince(ctx, owner, name, lastProcessedPR)
	if err != nil {
		e.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Warn("syncengine: pr sweep listing failed")
		e.cycleErrorsTotal.Inc()
	}
	for _, pr := range prs {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			break
		}
		if err := e.processor.OnPullRequest(ctx, conn.RepoKey, pr.Number); err != nil {
			e.log.WithField("repo_key", conn.RepoKey).WithField("pr_number", pr.Number).WithField("error", err).Warn("syncengine: pr processing failed, cursor will not advance past it")
			e.cycleErrorsTotal.Inc()
			break
		}
		highestPR = pr.Number
		result.PRCount++
		result.PRNumbers = append(result.PRNumbers, pr.Number)
		e.prsProcessedTotal.Inc()
	}

	if !cancelled && conn.LastSyncedAt != nil {
		commits, err := vcs.ListCommits(ctx, owner, name, "main", *conn.LastSyncedAt)
		if err != nil {
			e.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Warn("syncengine: commit sweep listing failed")
			e.cycleErrorsTotal.Inc()
		} else {
			direct := filterMergeCommits(commits)
			if len(direct) > maxCommitsPerCycle {
				direct = direct[:maxCommitsPerCycle]
			}
			if len(direct) > 0 {
				select {
				case <-ctx.Done():
					cancelled = true
				default:
				}
				if !cancelled {
					commitFiles := fileNames(direct[0].Files)
					if err := e.processor.OnCommits(ctx, conn.RepoKey, direct, commitFiles); err != nil {
						e.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Warn("syncengine: commit processing failed")
						e.cycleErrorsTotal.Inc()
					} else {
						for _, c := range direct {
							result.CommitCount++
							result.CommitSHAs = append(result.CommitSHAs, c.SHA)
						}
					}
				}
			}
		}
	}

	update := domain.CursorUpdate{}
	if highestPR > lastProcessedPR {
		update.LastProcessedPR = &highestPR
	}
	if !cancelled {
		now := time.Now().UTC()
		update.LastSyncedAt = &now
	}
	if update.LastProcessedPR != nil || update.LastSyncedAt != nil {
		if err := e.store.UpdateCursor(ctx, conn.RepoKey, update); err != nil {
			if _, isState := err.(*store.StateError); isState {
				e.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Error("syncengine: cursor invariant violated")
				return result, err
			}
			e.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Warn("syncengine: failed to advance cursor")
			e.cycleErrorsTotal.Inc()
		}
	}

	return result, nil
}

func filterMergeCommits(commits []vcsclient.Commit) []vcsclient.Commit {
	out := make([]vcsclient.Commit, 0, len(commits))
	for _, c := range commits {
		if strings.HasPrefix(c.Message, "Merge ") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func fileNames(files []vcsclient.PRFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Filename)
	}
	return out
}
