// Package analysis runs the registered plugins against every object the
// unpacker forwards, in dependency order, one worker pool per plugin.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwlab/fact/cmd/backend/plugins"
	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/queue"
	"github.com/fwlab/fact/common/telemetry"
	lru "github.com/hashicorp/golang-lru"
)

// ErrShutdown is returned for submissions after Shutdown
var ErrShutdown = errors.New("analysis scheduler is shut down")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ResultStore is the part of the object store the scheduler consults
type ResultStore interface {
	// GetAnalysis returns nil when uid has no result for plugin
	GetAnalysis(ctx context.Context, uid, plugin string) (*models.AnalysisResult, error)
}

// BlobReader loads object content that was not passed in memory
type BlobReader interface {
	Get(ctx context.Context, uid string) ([]byte, error)
}

// PreAnalysisFunc runs before a plugin is dispatched for obj
type PreAnalysisFunc func(ctx context.Context, obj *models.FileObject, plugin string)

// PostAnalysisFunc runs once per finished plugin run, before any dependent
// plugin of the same object is dispatched
type PostAnalysisFunc func(ctx context.Context, uid, plugin string, result *models.AnalysisResult)

// Opts contains options for creating a scheduler
type Opts struct {
	Registry     *plugins.Registry
	Store        ResultStore
	Blobs        BlobReader
	PreAnalysis  PreAnalysisFunc
	PostAnalysis PostAnalysisFunc
	Config       config.AnalysisConfig
	Logger       Logger
}

// Scheduler dispatches (object, plugin) runs to per-plugin worker pools
type Scheduler struct {
	registry *plugins.Registry
	store    ResultStore
	blobs    BlobReader
	pre      PreAnalysisFunc
	post     PostAnalysisFunc
	cfg      config.AnalysisConfig
	logger   Logger

	// read-only after New
	queues map[string]*queue.FIFO[*task]

	// object uid + plugin set of fully completed jobs
	completed *lru.TwoQueueCache

	mu       sync.Mutex
	inflight map[string]*job

	pending  atomic.Int64
	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// New creates a scheduler; workers run once Start is called
func New(opts *Opts) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("plugin registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	cfg := opts.Config
	if cfg.WorkersPerPlugin <= 0 {
		cfg.WorkersPerPlugin = 1
	}
	if cfg.PluginTimeout <= 0 {
		cfg.PluginTimeout = 5 * time.Minute
	}
	if cfg.CompletedLRUSize <= 0 {
		cfg.CompletedLRUSize = 4096
	}

	completed, err := lru.New2Q(cfg.CompletedLRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed cache: %w", err)
	}

	s := &Scheduler{
		registry:  opts.Registry,
		store:     opts.Store,
		blobs:     opts.Blobs,
		pre:       opts.PreAnalysis,
		post:      opts.PostAnalysis,
		cfg:       cfg,
		logger:    opts.Logger,
		queues:    make(map[string]*queue.FIFO[*task]),
		completed: completed,
		inflight:  make(map[string]*job),
		stop:      make(chan struct{}),
	}
	for _, name := range opts.Registry.Names() {
		s.queues[name] = queue.NewFIFO[*task]()
	}
	return s, nil
}

// Start runs WorkersPerPlugin workers for every plugin until ctx is done or
// Shutdown stops them
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("analysis scheduler starting",
		"plugins", s.registry.Names(),
		"workers_per_plugin", s.cfg.WorkersPerPlugin,
		"timeout", s.cfg.PluginTimeout)

	for name, q := range s.queues {
		for i := 0; i < s.cfg.WorkersPerPlugin; i++ {
			name, q := name, q
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				s.work(ctx, name, q)
			}()
		}
	}

	s.workers.Wait()
	s.logger.Info("analysis scheduler stopped")
	return ctx.Err()
}

// StartAnalysisOfObject schedules the requested and mandatory plugins, with
// their dependencies, for obj. Plugins with a current stored result are
// skipped unless obj.ForceReanalysis is set. A submission for an object
// already in flight adds its missing plugins to the running job. It does not
// block on the runs.
func (s *Scheduler) StartAnalysisOfObject(ctx context.Context, obj *models.FileObject) error {
	if s.closed.Load() {
		return ErrShutdown
	}

	plan := s.plan(obj)
	stored := s.stored(ctx, obj.UID, plan)

	key := jobKey(obj.UID, plan)
	if !obj.ForceReanalysis && s.completed.Contains(key) {
		if s.allCurrent(plan, stored) {
			s.logger.Debug("object already analysed", "uid", obj.UID)
			return nil
		}
		s.completed.Remove(key)
	}

	if len(obj.Binary) == 0 && obj.Size > 0 && s.blobs != nil {
		data, err := s.blobs.Get(ctx, obj.UID)
		if err != nil {
			return fmt.Errorf("failed to load binary of %s: %w", obj.UID, err)
		}
		obj.Binary = data
	}
	if obj.ProcessedAnalysis == nil {
		obj.ProcessedAnalysis = make(map[string]*models.AnalysisResult)
	}

	s.mu.Lock()
	if j, busy := s.inflight[obj.UID]; busy {
		added, merged := s.merge(j, obj, plan, stored)
		if merged {
			s.mu.Unlock()
			obj.ScheduledAnalysis = added
			s.logger.Debug("added plugins to analysis in progress", "uid", obj.UID, "plugins", added)
			s.advance(ctx, j)
			return nil
		}
	}

	j := newJob(obj)
	j.order = plan
	var toRun []string
	for _, name := range plan {
		if !obj.ForceReanalysis && s.current(name, stored[name]) {
			j.take(name, stored[name])
			telemetry.AnalysisCacheHitsTotal.WithLabelValues(name).Inc()
			continue
		}
		j.queue(name, stored[name] != nil)
		toRun = append(toRun, name)
	}
	s.inflight[obj.UID] = j
	s.mu.Unlock()

	obj.ScheduledAnalysis = toRun
	s.logger.Debug("scheduled analysis",
		"uid", obj.UID,
		"plugins", toRun,
		"reused", len(plan)-len(toRun))

	s.advance(ctx, j)
	return nil
}

// merge adds the plugins of plan that j does not cover yet. It reports
// false when j already finished. Caller holds s.mu.
func (s *Scheduler) merge(j *job, obj *models.FileObject, plan []string, stored map[string]*models.AnalysisResult) ([]string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done {
		return nil, false
	}

	var added []string
	for _, name := range plan {
		switch {
		case !j.planned(name):
			j.order = append(j.order, name)
			if !obj.ForceReanalysis && s.current(name, stored[name]) {
				j.take(name, stored[name])
				telemetry.AnalysisCacheHitsTotal.WithLabelValues(name).Inc()
				continue
			}
		case obj.ForceReanalysis && j.reused[name]:
		default:
			continue
		}
		j.queue(name, stored[name] != nil)
		added = append(added, name)
	}
	return added, true
}

// stored looks up the existing results of uid for plan, current or not
func (s *Scheduler) stored(ctx context.Context, uid string, plan []string) map[string]*models.AnalysisResult {
	results := make(map[string]*models.AnalysisResult, len(plan))
	for _, name := range plan {
		existing, err := s.store.GetAnalysis(ctx, uid, name)
		if err != nil {
			s.logger.Warn("failed to look up stored result", "uid", uid, "plugin", name, "error", err)
			continue
		}
		if existing != nil {
			results[name] = existing
		}
	}
	return results
}

// current reports whether result can stand in for a run of name
func (s *Scheduler) current(name string, result *models.AnalysisResult) bool {
	p, err := s.registry.Get(name)
	if err != nil {
		return false
	}
	return result.IsCurrent(p.Version())
}

func (s *Scheduler) allCurrent(plan []string, stored map[string]*models.AnalysisResult) bool {
	for _, name := range plan {
		if !s.current(name, stored[name]) {
			return false
		}
	}
	return true
}

// Forget drops the completed entries of uid, so its next submission is
// planned against the store again
func (s *Scheduler) Forget(uid string) {
	prefix := uid + "|"
	for _, k := range s.completed.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			s.completed.Remove(k)
		}
	}
}

// plan returns the requested and mandatory plugins plus their transitive
// dependencies, dependencies first
func (s *Scheduler) plan(obj *models.FileObject) []string {
	requested := append(append([]string(nil), obj.ScheduledAnalysis...), s.registry.Mandatory()...)

	var order []string
	visited := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		p, err := s.registry.Get(name)
		if err != nil {
			s.logger.Warn("skipping unknown plugin", "uid", obj.UID, "plugin", name)
			return
		}
		for _, dep := range p.Dependencies() {
			visit(dep)
		}
		order = append(order, name)
	}

	for _, name := range models.SortedUnique(requested) {
		visit(name)
	}
	return order
}

// advance dispatches every waiting plugin of j whose dependencies are
// resolved and fails the ones whose dependencies failed
func (s *Scheduler) advance(ctx context.Context, j *job) {
	for {
		j.mu.Lock()
		ready, blocked := j.next(s.dependencies)
		finished := len(blocked) == 0 && len(j.waiting) == 0 && j.running == 0 && !j.done
		if finished {
			j.done = true
		}
		j.mu.Unlock()

		for _, name := range ready {
			s.dispatch(ctx, j, name)
		}

		if len(blocked) == 0 {
			if finished {
				s.finish(j)
			}
			return
		}

		for _, b := range blocked {
			p, _ := s.registry.Get(b.plugin)
			o := &outcome{
				Plugin:  b.plugin,
				Version: p.Version(),
				Status:  models.StatusFailed,
				Err:     fmt.Errorf("dependency %s failed", b.dependency),
			}
			telemetry.AnalysisRunsTotal.WithLabelValues(b.plugin, string(models.StatusFailed)).Inc()
			s.record(ctx, j, b.plugin, o.Result())
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, j *job, name string) {
	if s.pre != nil {
		s.pre(ctx, j.obj, name)
	}

	j.mu.Lock()
	t := &task{job: j, plugin: name, reanalysis: j.previous[name]}
	j.mu.Unlock()

	s.pending.Add(1)
	telemetry.AnalysisQueueLength.Inc()
	s.queues[name].Push(t)
}

// record hands the result to the post-analysis hook and only then makes it
// visible to dependents
func (s *Scheduler) record(ctx context.Context, j *job, name string, result *models.AnalysisResult) {
	if s.post != nil {
		s.post(ctx, j.obj.UID, name, result)
	}

	j.mu.Lock()
	j.results[name] = result
	j.obj.ProcessedAnalysis[name] = result
	j.mu.Unlock()
}

func (s *Scheduler) finish(j *job) {
	s.mu.Lock()
	if s.inflight[j.obj.UID] == j {
		delete(s.inflight, j.obj.UID)
	}
	s.mu.Unlock()

	j.mu.Lock()
	failed := j.failed()
	key := jobKey(j.obj.UID, j.order)
	j.mu.Unlock()

	if len(failed) == 0 {
		s.completed.Add(key, nil)
	}
	s.logger.Debug("analysis of object finished", "uid", j.obj.UID, "failed", failed)
}

// work consumes one plugin's queue
func (s *Scheduler) work(ctx context.Context, name string, q *queue.FIFO[*task]) {
	for {
		t, ok := q.Pop(ctx, s.stop)
		if !ok {
			return
		}

		result := s.run(ctx, t)
		s.record(ctx, t.job, name, result)

		t.job.mu.Lock()
		t.job.running--
		t.job.mu.Unlock()
		s.pending.Add(-1)
		telemetry.AnalysisQueueLength.Dec()

		s.advance(ctx, t.job)
	}
}

// run executes one plugin under the timeout, converting errors, panics and
// timeouts into a stored result
func (s *Scheduler) run(ctx context.Context, t *task) *models.AnalysisResult {
	p, err := s.registry.Get(t.plugin)
	if err != nil {
		return (&outcome{Plugin: t.plugin, Version: "unknown", Status: models.StatusFailed, Err: err}).Result()
	}

	t.job.mu.Lock()
	deps := make(map[string]*models.AnalysisResult, len(p.Dependencies()))
	for _, dep := range p.Dependencies() {
		deps[dep] = t.job.results[dep]
	}
	t.job.mu.Unlock()

	s.logger.Debug("running plugin",
		"uid", t.job.obj.UID,
		"plugin", t.plugin,
		"version", p.Version(),
		"reanalysis", t.reanalysis)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.PluginTimeout)
	defer cancel()

	type ret struct {
		out *plugins.Output
		err error
	}
	done := make(chan ret, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ret{err: fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		out, err := p.Process(runCtx, t.job.obj, deps)
		done <- ret{out: out, err: err}
	}()

	o := &outcome{Plugin: t.plugin, Version: p.Version()}
	select {
	case r := <-done:
		if r.err != nil {
			o.Status, o.Err = models.StatusFailed, r.err
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				o.Status = models.StatusTimedOut
			}
		} else {
			o.Status, o.Output = models.StatusCompleted, r.out
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			o.Status, o.Err = models.StatusFailed, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		} else {
			o.Status, o.Err = models.StatusTimedOut, fmt.Errorf("plugin timed out after %s", s.cfg.PluginTimeout)
		}
		s.logger.Warn("plugin did not return in time", "uid", t.job.obj.UID, "plugin", t.plugin)
	}

	result := o.Result()
	telemetry.AnalysisRunsTotal.WithLabelValues(t.plugin, string(result.Status)).Inc()
	telemetry.AnalysisDurationSeconds.WithLabelValues(t.plugin).Observe(time.Since(start).Seconds())

	if result.IsFailed() {
		s.logger.Warn("plugin run failed",
			"uid", t.job.obj.UID,
			"plugin", t.plugin,
			"status", result.Status,
			"error", result.Error)
	}
	return result
}

// GetAvailableAnalysisPlugins returns the registered plugins with their metadata
func (s *Scheduler) GetAvailableAnalysisPlugins() map[string]models.PluginInfo {
	info := s.registry.Info()
	for name, pi := range info {
		pi.Default = pi.Mandatory
		info[name] = pi
	}
	return info
}

// QueueLength returns the number of dispatched plugin runs not yet finished
func (s *Scheduler) QueueLength() int {
	return int(s.pending.Load())
}

// Shutdown stops intake, lets in-flight objects finish until ctx is done and
// then stops the workers
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.logger.Info("shutting down analysis scheduler")

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		s.mu.Lock()
		n := len(s.inflight)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("stopping analysis with objects in flight", "objects", n)
			break drain
		case <-ticker.C:
		}
	}

	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop analysis workers: %w", ctx.Err())
	}
}

func (s *Scheduler) dependencies(name string) []string {
	p, err := s.registry.Get(name)
	if err != nil {
		return nil
	}
	return p.Dependencies()
}

func jobKey(uid string, plan []string) string {
	return uid + "|" + strings.Join(models.SortedUnique(plan), ",")
}
