// Package unpacker recursively extracts submitted objects and forwards
// every visited object, container or leaf, to the post-unpack hook.
package unpacker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwlab/fact/cmd/backend/extractor"
	"github.com/fwlab/fact/cmd/backend/plugins"
	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/queue"
	"github.com/fwlab/fact/common/telemetry"
	"github.com/fwlab/fact/common/unpacklock"
	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned for submissions after Shutdown
var ErrShutdown = errors.New("unpacking scheduler is shut down")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// BlobWriter keeps the content of every visited object
type BlobWriter interface {
	Put(ctx context.Context, uid string, data []byte) error
}

// PostUnpackFunc is called exactly once per visited object
type PostUnpackFunc func(ctx context.Context, obj *models.FileObject)

// Opts contains options for creating a scheduler
type Opts struct {
	Config     config.UnpackConfig
	Extractor  extractor.Extractor
	Locks      unpacklock.Manager
	Blobs      BlobWriter
	PostUnpack PostUnpackFunc
	// Throttle reports the downstream backlog; workers pause while it is
	// above Config.ThrottleLimit
	Throttle  func() int
	PollDelay time.Duration
	Logger    Logger
}

// Scheduler runs Config.Threads unpacking workers over an in-memory queue
type Scheduler struct {
	cfg        config.UnpackConfig
	extractor  extractor.Extractor
	locks      unpacklock.Manager
	blobs      BlobWriter
	postUnpack PostUnpackFunc
	throttle   func() int
	pollDelay  time.Duration
	logger     Logger

	queue  *queue.FIFO[*models.FileObject]
	memory *semaphore.Weighted
	budget int64

	// queued plus in-flight objects
	pending  atomic.Int64
	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	mu       sync.Mutex
	workers  sync.WaitGroup

	// uids whose lock this process holds -> copies waiting on the holder
	heldMu sync.Mutex
	held   map[string][]*models.FileObject
}

// New creates a scheduler; workers run once Start is called
func New(opts *Opts) (*Scheduler, error) {
	if opts.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if opts.PostUnpack == nil {
		return nil, fmt.Errorf("post unpack callback is required")
	}

	cfg := opts.Config
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 2048
	}
	pollDelay := opts.PollDelay
	if pollDelay <= 0 {
		pollDelay = 500 * time.Millisecond
	}

	budget := int64(cfg.MemoryLimitMB) * 1024 * 1024
	return &Scheduler{
		cfg:        cfg,
		extractor:  opts.Extractor,
		locks:      opts.Locks,
		blobs:      opts.Blobs,
		postUnpack: opts.PostUnpack,
		throttle:   opts.Throttle,
		pollDelay:  pollDelay,
		logger:     opts.Logger,
		queue:      queue.NewFIFO[*models.FileObject](),
		memory:     semaphore.NewWeighted(budget),
		budget:     budget,
		stop:       make(chan struct{}),
		held:       make(map[string][]*models.FileObject),
	}, nil
}

// AddTask enqueues obj for unpacking and returns immediately
func (s *Scheduler) AddTask(ctx context.Context, obj *models.FileObject) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	s.enqueue(obj)
	s.logger.Debug("queued object for unpacking", "uid", obj.UID, "depth", obj.Depth)
	return nil
}

func (s *Scheduler) enqueue(obj *models.FileObject) {
	s.pending.Add(1)
	s.queue.Push(obj)
	telemetry.UnpackQueueLength.Set(float64(s.queue.Len()))
}

// QueueLength returns the number of objects waiting for a worker
func (s *Scheduler) QueueLength() int {
	return s.queue.Len()
}

// Start runs the workers until ctx is done or Shutdown stops them
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("unpacking scheduler starting",
		"threads", s.cfg.Threads,
		"max_depth", s.cfg.MaxDepth,
		"memory_limit_mb", s.cfg.MemoryLimitMB)

	for i := 0; i < s.cfg.Threads; i++ {
		worker := i
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.work(ctx, worker)
		}()
	}

	s.workers.Wait()
	s.logger.Info("unpacking scheduler stopped")
	return nil
}

func (s *Scheduler) work(ctx context.Context, worker int) {
	for {
		if !s.waitForBacklog(ctx) {
			return
		}

		obj, ok := s.queue.Pop(ctx, s.stop)
		if !ok {
			return
		}
		telemetry.UnpackQueueLength.Set(float64(s.queue.Len()))

		s.process(ctx, obj)
		s.pending.Add(-1)
	}
}

// waitForBacklog pauses while the analysis backlog is above the limit
func (s *Scheduler) waitForBacklog(ctx context.Context) bool {
	if s.throttle == nil || s.cfg.ThrottleLimit <= 0 {
		return true
	}
	for s.throttle() > s.cfg.ThrottleLimit {
		select {
		case <-ctx.Done():
			return false
		case <-s.stop:
			return false
		case <-time.After(s.pollDelay):
		}
	}
	return true
}

// process unpacks one object. The lock is held until the object has been
// forwarded so a deletion never sees it unlocked and not yet stored.
func (s *Scheduler) process(ctx context.Context, obj *models.FileObject) {
	acquired, err := s.locks.TryAcquire(ctx, obj.UID)
	if err != nil {
		s.logger.Error("failed to acquire unpacking lock", "uid", obj.UID, "error", err)
		obj.UnpackError = fmt.Sprintf("failed to acquire unpacking lock: %v", err)
		s.forward(ctx, obj)
		return
	}
	if !acquired {
		s.wait(obj)
		return
	}

	s.heldMu.Lock()
	s.held[obj.UID] = nil
	s.heldMu.Unlock()

	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), obj.UID); err != nil {
			s.logger.Error("failed to release unpacking lock", "uid", obj.UID, "error", err)
		}
	}()

	entries := s.unpack(ctx, obj)
	// children are accepted during shutdown so a draining scheduler
	// still finishes the firmware it started
	for _, child := range s.link(obj, entries) {
		s.enqueue(child)
	}
	s.forward(ctx, obj)

	s.heldMu.Lock()
	waiting := s.held[obj.UID]
	delete(s.held, obj.UID)
	s.heldMu.Unlock()

	for _, dup := range waiting {
		s.join(ctx, dup, obj, entries)
	}
}

// wait parks a copy of a uid whose lock is taken. A copy of a uid held in
// this process is linked by the holder; otherwise it is retried after
// the poll delay.
func (s *Scheduler) wait(obj *models.FileObject) {
	s.heldMu.Lock()
	waiting, held := s.held[obj.UID]
	if held {
		s.held[obj.UID] = append(waiting, obj)
	}
	s.heldMu.Unlock()

	if held {
		s.logger.Debug("object is already being unpacked", "uid", obj.UID)
		return
	}
	s.logger.Debug("unpacking lock is held elsewhere, retrying", "uid", obj.UID, "delay", s.pollDelay)
	s.retryLater(obj)
}

// join gives a waiting copy the members its holder extracted, so every
// firmware containing the uid is linked to the same children
func (s *Scheduler) join(ctx context.Context, dup, holder *models.FileObject, entries []extractor.Entry) {
	switch {
	case dup.Depth >= s.cfg.MaxDepth:
		dup.UnpackDepthExceeded = true
	case holder.UnpackDepthExceeded:
		// the holder stopped at the depth limit, this copy sits higher
		s.retryLater(dup)
		return
	default:
		dup.UnpackError = holder.UnpackError
		for _, child := range s.link(dup, entries) {
			s.enqueue(child)
		}
	}
	s.logger.Debug("linked object to concurrent unpack", "uid", dup.UID, "children", len(dup.FilesIncluded))
	s.forward(ctx, dup)
}

func (s *Scheduler) retryLater(obj *models.FileObject) {
	s.pending.Add(1)
	time.AfterFunc(s.pollDelay, func() {
		s.queue.Push(obj)
		telemetry.UnpackQueueLength.Set(float64(s.queue.Len()))
	})
}

// unpack extracts obj and returns its members; panics and extraction
// errors are recorded on obj
func (s *Scheduler) unpack(ctx context.Context, obj *models.FileObject) (entries []extractor.Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("unpacking panicked", "uid", obj.UID, "panic", r)
			obj.UnpackError = fmt.Sprintf("unpacking panicked: %v", r)
			telemetry.UnpackFailuresTotal.WithLabelValues("panic").Inc()
			entries = nil
		}
	}()

	if s.blobs != nil && obj.Binary != nil {
		if err := s.blobs.Put(ctx, obj.UID, obj.Binary); err != nil {
			s.logger.Error("failed to store binary", "uid", obj.UID, "error", err)
			obj.UnpackError = fmt.Sprintf("failed to store binary: %v", err)
			telemetry.UnpackFailuresTotal.WithLabelValues("storage").Inc()
			return nil
		}
	}

	if obj.Depth >= s.cfg.MaxDepth {
		s.logger.Debug("maximum unpacking depth reached", "uid", obj.UID, "depth", obj.Depth)
		obj.UnpackDepthExceeded = true
		return nil
	}

	if mime, _ := plugins.DetectMIME(obj.Binary); s.whitelisted(mime) {
		s.logger.Debug("skipping whitelisted type", "uid", obj.UID, "mime", mime)
		return nil
	}

	entries, err := s.extract(ctx, obj.Binary)
	switch {
	case errors.Is(err, extractor.ErrNotContainer):
		return nil
	case errors.Is(err, extractor.ErrTooLarge):
		obj.UnpackError = fmt.Sprintf("resource exhaustion: %v", err)
		telemetry.UnpackFailuresTotal.WithLabelValues("resources").Inc()
		s.logger.Warn("extraction exceeded memory limit", "uid", obj.UID, "error", err)
		return nil
	case err != nil:
		obj.UnpackError = err.Error()
		telemetry.UnpackFailuresTotal.WithLabelValues("extraction").Inc()
		s.logger.Warn("extraction failed", "uid", obj.UID, "error", err)
		return nil
	}

	s.logger.Debug("unpacked object", "uid", obj.UID, "members", len(entries))
	return entries
}

// link creates the children of obj from its extracted members. Identical
// members become one child with several paths.
func (s *Scheduler) link(obj *models.FileObject, entries []extractor.Entry) []*models.FileObject {
	var children []*models.FileObject
	byUID := make(map[string]*models.FileObject, len(entries))
	for _, entry := range entries {
		child, seen := byUID[models.CreateUID(entry.Data)]
		if !seen {
			child = models.NewFileObject(path.Base(entry.Path), entry.Data)
			child.ScheduledAnalysis = append([]string(nil), obj.ScheduledAnalysis...)
			child.ForceReanalysis = obj.ForceReanalysis
			byUID[child.UID] = child
			children = append(children, child)
		}
		obj.AddIncludedFile(child, entry.Path)
	}
	return children
}

// extract runs the extractor under the shared memory budget
func (s *Scheduler) extract(ctx context.Context, data []byte) ([]extractor.Entry, error) {
	weight := int64(len(data))
	if weight > s.budget {
		return nil, fmt.Errorf("input of %d bytes: %w", len(data), extractor.ErrTooLarge)
	}
	if weight == 0 {
		weight = 1
	}
	if err := s.memory.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("failed to reserve memory: %w", err)
	}
	defer s.memory.Release(weight)

	return s.extractor.Extract(ctx, data, s.budget)
}

func (s *Scheduler) whitelisted(mime string) bool {
	for _, w := range s.cfg.Whitelist {
		if w == mime {
			return true
		}
	}
	return false
}

func (s *Scheduler) forward(ctx context.Context, obj *models.FileObject) {
	telemetry.UnpackedObjectsTotal.Inc()
	s.postUnpack(ctx, obj)
}

// Shutdown stops intake, waits for queued and in-flight objects until ctx
// is done, then cancels what is still running
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.logger.Info("shutting down unpacking scheduler")

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

drain:
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("stopping unpacking with work left",
				"queued", s.queue.Len(),
				"pending", s.pending.Load())
			s.mu.Lock()
			if s.cancel != nil {
				s.cancel()
			}
			s.mu.Unlock()
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
		return fmt.Errorf("failed to stop unpacking workers: %w", ctx.Err())
	}
}
