// Package intercom consumes the frontend's requests on the backend side.
package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fwlab/fact/common/binsearch"
	"github.com/fwlab/fact/common/blobstore"
	"github.com/fwlab/fact/common/config"
	"github.com/fwlab/fact/common/intercom"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/queue"
	"github.com/fwlab/fact/common/repository"
	"github.com/fwlab/fact/common/telemetry"
	"github.com/fwlab/fact/common/unpacklock"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Unpacker accepts objects for the unpacking pipeline
type Unpacker interface {
	AddTask(ctx context.Context, obj *models.FileObject) error
}

// Analyzer accepts objects for analysis
type Analyzer interface {
	StartAnalysisOfObject(ctx context.Context, obj *models.FileObject) error
	GetAvailableAnalysisPlugins() map[string]models.PluginInfo
}

// Opts contains options for creating a listener
type Opts struct {
	Transport queue.Transport
	Store     repository.Store
	Blobs     blobstore.Store
	Locks     unpacklock.Manager
	Unpacker  Unpacker
	Analyzer  Analyzer
	// Forget drops what this process remembers about a uid that is no
	// longer in the store
	Forget func(ctx context.Context, uid string)
	Config config.IntercomConfig
	Logger Logger
}

// Listener runs one consumer per intercom topic
type Listener struct {
	transport queue.Transport
	store     repository.Store
	blobs     blobstore.Store
	locks     unpacklock.Manager
	unpacker  Unpacker
	analyzer  Analyzer
	forgetFn  func(ctx context.Context, uid string)
	cfg       config.IntercomConfig
	logger    Logger
	rules     *binsearch.Evaluator

	handlers map[string]func(context.Context, []byte) error

	mu       sync.Mutex
	deferred map[string]struct{}
}

// NewListener creates a listener
func NewListener(opts *Opts) *Listener {
	cfg := opts.Config
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 500 * time.Millisecond
	}
	if cfg.DeleteRetryInterval <= 0 {
		cfg.DeleteRetryInterval = 30 * time.Second
	}
	if cfg.CommunicationTimeout <= 0 {
		cfg.CommunicationTimeout = 60 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}

	l := &Listener{
		transport: opts.Transport,
		store:     opts.Store,
		blobs:     opts.Blobs,
		locks:     opts.Locks,
		unpacker:  opts.Unpacker,
		analyzer:  opts.Analyzer,
		forgetFn:  opts.Forget,
		cfg:       cfg,
		logger:    opts.Logger,
		rules:     binsearch.NewEvaluator(),
		deferred:  make(map[string]struct{}),
	}
	l.handlers = map[string]func(context.Context, []byte) error{
		intercom.TopicAnalysisTask:     l.handleAnalysisTask,
		intercom.TopicReAnalyzeTask:    l.handleReAnalyzeTask,
		intercom.TopicBinarySearchTask: l.handleBinarySearch,
		intercom.TopicFileDeleteTask:   l.handleDelete,
		intercom.TopicPluginQueryTask:  l.handlePluginQuery,
	}
	return l
}

// Start consumes every topic and retries deferred deletions until ctx is done
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info("intercom listener starting", "topics", intercom.Topics)

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range intercom.Topics {
		topic := topic
		g.Go(func() error {
			return l.listen(gctx, topic)
		})
	}
	g.Go(func() error {
		return l.retryDeletions(gctx)
	})

	err := g.Wait()
	l.logger.Info("intercom listener stopped")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *Listener) listen(ctx context.Context, topic string) error {
	handle := l.handlers[topic]
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := l.transport.Pop(ctx, topic, l.cfg.PollDelay)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			l.logger.Error("failed to read intercom message", "topic", topic, "error", err)
			time.Sleep(l.cfg.PollDelay)
			continue
		}
		if payload == nil {
			continue
		}

		if err := handle(ctx, payload); err != nil {
			l.logger.Error("failed to handle intercom message", "topic", topic, "error", err)
			telemetry.IntercomRequestsTotal.WithLabelValues(topic, "error").Inc()
			continue
		}
		telemetry.IntercomRequestsTotal.WithLabelValues(topic, "ok").Inc()
	}
}

// handleAnalysisTask stores a new firmware and starts unpacking it
func (l *Listener) handleAnalysisTask(ctx context.Context, payload []byte) error {
	var task intercom.AnalysisTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("failed to decode analysis task: %w", err)
	}
	if task.Firmware == nil || len(task.Binary) == 0 {
		return fmt.Errorf("analysis task without firmware content")
	}

	fw := task.Firmware
	fw.Binary = task.Binary
	fw.Size = int64(len(task.Binary))
	if uid := models.CreateUID(task.Binary); fw.UID != uid {
		return fmt.Errorf("firmware uid %s does not match its content (%s)", fw.UID, uid)
	}
	if fw.VirtualFilePath == nil {
		fw.VirtualFilePath = make(map[string][]string)
	}
	if fw.ProcessedAnalysis == nil {
		fw.ProcessedAnalysis = make(map[string]*models.AnalysisResult)
	}

	if err := l.store.AddFirmware(ctx, fw); err != nil {
		return fmt.Errorf("failed to store firmware: %w", err)
	}

	obj := &fw.FileObject
	obj.ScheduledAnalysis = append([]string(nil), fw.RequestedAnalysis...)

	l.logger.Info("received firmware", "uid", fw.UID, "hid", fw.HID())
	return l.unpacker.AddTask(ctx, obj)
}

// handleReAnalyzeTask re-runs requested plugins on a firmware and its
// files, or sends it through the whole pipeline again
func (l *Listener) handleReAnalyzeTask(ctx context.Context, payload []byte) error {
	var task intercom.ReAnalyzeTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("failed to decode re-analysis task: %w", err)
	}

	fw, err := l.store.GetFirmware(ctx, task.UID)
	if err != nil {
		return fmt.Errorf("failed to load firmware %s: %w", task.UID, err)
	}
	if len(task.RequestedAnalysis) > 0 {
		fw.RequestedAnalysis = models.SortedUnique(append(fw.RequestedAnalysis, task.RequestedAnalysis...))
		if err := l.store.AddFirmware(ctx, fw); err != nil {
			return fmt.Errorf("failed to update requested analysis: %w", err)
		}
	}

	if task.Unpack {
		data, err := l.blobs.Get(ctx, fw.UID)
		if err != nil {
			return fmt.Errorf("failed to load firmware content: %w", err)
		}
		obj := &fw.FileObject
		obj.Binary = data
		obj.ClearIncludedFiles()
		obj.ForceReanalysis = true
		obj.ScheduledAnalysis = append([]string(nil), fw.RequestedAnalysis...)

		l.logger.Info("re-unpacking firmware", "uid", fw.UID)
		return l.unpacker.AddTask(ctx, obj)
	}

	uids, err := l.store.IncludedUIDs(ctx, fw.UID)
	if err != nil {
		return fmt.Errorf("failed to list included files: %w", err)
	}

	l.logger.Info("updating analysis", "uid", fw.UID, "plugins", task.RequestedAnalysis, "files", len(uids))

	root := &fw.FileObject
	root.ScheduledAnalysis = append([]string(nil), task.RequestedAnalysis...)
	if err := l.analyzer.StartAnalysisOfObject(ctx, root); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", fw.UID, err)
	}
	for _, uid := range uids {
		obj, err := l.store.GetObject(ctx, uid)
		if err != nil {
			l.logger.Warn("skipping missing file", "uid", uid, "error", err)
			continue
		}
		obj.ScheduledAnalysis = append([]string(nil), task.RequestedAnalysis...)
		if err := l.analyzer.StartAnalysisOfObject(ctx, obj); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", uid, err)
		}
	}
	return nil
}

// handleBinarySearch runs the rules and stores the one-shot result
func (l *Listener) handleBinarySearch(ctx context.Context, payload []byte) error {
	var req intercom.BinarySearchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to decode binary search request: %w", err)
	}

	result := l.search(ctx, &req)
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode search result: %w", err)
	}
	return l.transport.Put(ctx, intercom.SearchResponseKey(req.ID), encoded, l.cfg.ResultTTL)
}

func (l *Listener) search(ctx context.Context, req *intercom.BinarySearchRequest) *intercom.SearchResult {
	scanner, err := binsearch.NewScanner(req.Rules, l.rules)
	if err != nil {
		return &intercom.SearchResult{Error: err.Error()}
	}

	var uids []string
	if req.UID != "" {
		included, err := l.store.IncludedUIDs(ctx, req.UID)
		if err != nil {
			return &intercom.SearchResult{Error: fmt.Sprintf("failed to list files of %s: %v", req.UID, err)}
		}
		uids = append([]string{req.UID}, included...)
	} else {
		if uids, err = l.blobs.List(ctx); err != nil {
			return &intercom.SearchResult{Error: fmt.Sprintf("failed to list files: %v", err)}
		}
	}

	matches, skipped, err := scanner.ScanAll(ctx, uids, l.blobs.Get, 4)
	if err != nil {
		return &intercom.SearchResult{Error: err.Error()}
	}

	l.logger.Info("binary search finished", "id", req.ID, "files", len(uids), "rules_matched", len(matches))
	return &intercom.SearchResult{Matches: matches, Skipped: skipped}
}

// handleDelete removes stored content unless the file is still referenced
// or being unpacked
func (l *Listener) handleDelete(ctx context.Context, payload []byte) error {
	var req intercom.DeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to decode delete request: %w", err)
	}

	var errs *multierror.Error
	for _, uid := range req.UIDs {
		if err := l.deleteFile(ctx, uid); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (l *Listener) deleteFile(ctx context.Context, uid string) error {
	exists, err := l.store.Exists(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", uid, err)
	}
	if exists {
		l.logger.Debug("entry exists: "+uid, "uid", uid)
		l.forget(uid)
		return nil
	}
	if l.forgetFn != nil {
		l.forgetFn(ctx, uid)
	}

	// holding the lock keeps an unpacker from storing the blob again mid-delete
	acquired, err := l.locks.TryAcquire(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to take unpacking lock of %s: %w", uid, err)
	}
	if !acquired {
		l.logger.Debug("processed by unpacker: "+uid, "uid", uid)
		l.mu.Lock()
		l.deferred[uid] = struct{}{}
		l.mu.Unlock()
		telemetry.DeferredDeletionsTotal.Inc()
		return nil
	}
	defer func() {
		if err := l.locks.Release(context.WithoutCancel(ctx), uid); err != nil {
			l.logger.Error("failed to release unpacking lock", "uid", uid, "error", err)
		}
	}()

	l.logger.Info("removing file: "+uid, "uid", uid)
	l.forget(uid)
	if err := l.blobs.Delete(ctx, uid); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", uid, err)
	}
	return nil
}

func (l *Listener) forget(uid string) {
	l.mu.Lock()
	delete(l.deferred, uid)
	l.mu.Unlock()
}

// Deferred returns the uids whose deletion waits for an unpacking lock
func (l *Listener) Deferred() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	uids := make([]string, 0, len(l.deferred))
	for uid := range l.deferred {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// retryDeletions periodically retries deletions deferred by a lock
func (l *Listener) retryDeletions(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.DeleteRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, uid := range l.Deferred() {
				if err := l.deleteFile(ctx, uid); err != nil {
					l.logger.Error("failed to retry deletion", "uid", uid, "error", err)
				}
			}
		}
	}
}

// handlePluginQuery answers with the registered plugins
func (l *Listener) handlePluginQuery(ctx context.Context, payload []byte) error {
	var query intercom.PluginQuery
	if err := json.Unmarshal(payload, &query); err != nil {
		return fmt.Errorf("failed to decode plugin query: %w", err)
	}

	encoded, err := json.Marshal(l.analyzer.GetAvailableAnalysisPlugins())
	if err != nil {
		return fmt.Errorf("failed to encode plugin list: %w", err)
	}
	return l.transport.Put(ctx, intercom.PluginResponseKey(query.ID), encoded, l.cfg.CommunicationTimeout)
}
