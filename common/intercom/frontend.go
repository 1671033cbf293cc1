package intercom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/queue"
	"github.com/google/uuid"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// FrontendOpts contains options for creating a frontend binding
type FrontendOpts struct {
	Transport            queue.Transport
	PollDelay            time.Duration
	CommunicationTimeout time.Duration
	Logger               Logger
}

// FrontendBinding submits requests to the backend and collects responses
type FrontendBinding struct {
	transport queue.Transport
	pollDelay time.Duration
	timeout   time.Duration
	logger    Logger
}

// NewFrontendBinding creates a frontend binding
func NewFrontendBinding(opts *FrontendOpts) *FrontendBinding {
	b := &FrontendBinding{
		transport: opts.Transport,
		pollDelay: opts.PollDelay,
		timeout:   opts.CommunicationTimeout,
		logger:    opts.Logger,
	}
	if b.pollDelay <= 0 {
		b.pollDelay = 500 * time.Millisecond
	}
	if b.timeout <= 0 {
		b.timeout = 60 * time.Second
	}
	return b
}

func (b *FrontendBinding) send(ctx context.Context, topic string, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	if err := b.transport.Push(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to send %s message: %w", topic, err)
	}
	return nil
}

// AddAnalysisTask submits a new firmware for unpacking and analysis
func (b *FrontendBinding) AddAnalysisTask(ctx context.Context, fw *models.Firmware) error {
	if fw == nil || len(fw.Binary) == 0 {
		return fmt.Errorf("firmware binary is required")
	}
	b.logger.Info("submitting firmware", "uid", fw.UID, "hid", fw.HID())
	return b.send(ctx, TopicAnalysisTask, &AnalysisTask{Firmware: fw, Binary: fw.Binary})
}

// AddReAnalyzeTask re-runs requested plugins on a stored firmware; with
// unpack the firmware goes through the whole pipeline again
func (b *FrontendBinding) AddReAnalyzeTask(ctx context.Context, uid string, requested []string, unpack bool) error {
	if uid == "" {
		return fmt.Errorf("uid is required")
	}
	return b.send(ctx, TopicReAnalyzeTask, &ReAnalyzeTask{
		UID:               uid,
		RequestedAnalysis: requested,
		Unpack:            unpack,
	})
}

// AddBinarySearchRequest queues a search and returns its id
func (b *FrontendBinding) AddBinarySearchRequest(ctx context.Context, rules, uid string) (string, error) {
	id := uuid.New().String()
	if err := b.send(ctx, TopicBinarySearchTask, &BinarySearchRequest{ID: id, Rules: rules, UID: uid}); err != nil {
		return "", err
	}
	return id, nil
}

// GetBinarySearchResult returns the result of a search once. found is false
// while the search is pending and after the result has been fetched.
func (b *FrontendBinding) GetBinarySearchResult(ctx context.Context, id string) (*SearchResult, bool, error) {
	payload, found, err := b.transport.Take(ctx, SearchResponseKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch search result: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var result SearchResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode search result: %w", err)
	}
	return &result, true, nil
}

// DeleteFile asks the backend to remove the content of uids
func (b *FrontendBinding) DeleteFile(ctx context.Context, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	return b.send(ctx, TopicFileDeleteTask, &DeleteRequest{UIDs: uids})
}

// GetAvailableAnalysisPlugins asks the backend for its plugins and waits up
// to the communication timeout
func (b *FrontendBinding) GetAvailableAnalysisPlugins(ctx context.Context) (map[string]models.PluginInfo, error) {
	id := uuid.New().String()
	if err := b.send(ctx, TopicPluginQueryTask, &PluginQuery{ID: id}); err != nil {
		return nil, err
	}

	payload, err := b.await(ctx, PluginResponseKey(id))
	if err != nil {
		return nil, err
	}

	var info map[string]models.PluginInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("failed to decode plugin list: %w", err)
	}
	return info, nil
}

// await polls for a response until the communication timeout
func (b *FrontendBinding) await(ctx context.Context, key string) ([]byte, error) {
	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollDelay)
	defer ticker.Stop()

	for {
		payload, found, err := b.transport.Take(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch response: %w", err)
		}
		if found {
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			b.logger.Warn("backend did not answer", "key", key, "timeout", b.timeout)
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
