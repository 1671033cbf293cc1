package main

import (
	"context"
	"fmt"

	"github.com/fwlab/fact/cmd/backend/analysis"
	"github.com/fwlab/fact/cmd/backend/extractor"
	"github.com/fwlab/fact/cmd/backend/intercom"
	"github.com/fwlab/fact/cmd/backend/plugins"
	"github.com/fwlab/fact/cmd/backend/unpacker"
	"github.com/fwlab/fact/common/bootstrap"
	"github.com/fwlab/fact/common/models"
	"github.com/hashicorp/go-multierror"
)

// backend holds the unpacking and analysis pipeline and its intercom listener
type backend struct {
	components *bootstrap.Components
	registry   *plugins.Registry
	analysis   *analysis.Scheduler
	unpacker   *unpacker.Scheduler
	listener   *intercom.Listener

	// called after each analysis result is stored
	afterAnalysis func(uid, plugin string, result *models.AnalysisResult)

	// stops the listener ahead of the schedulers
	stopListener context.CancelFunc
}

// newBackend wires the schedulers to the stores of components
func newBackend(components *bootstrap.Components) (*backend, error) {
	cfg := components.Config
	log := components.Logger
	store := components.Store

	registry := plugins.Builtin()
	if err := registry.SetMandatory(cfg.Analysis.DefaultPlugins...); err != nil {
		return nil, fmt.Errorf("failed to set default plugins: %w", err)
	}

	b := &backend{components: components, registry: registry}

	var err error
	b.analysis, err = analysis.New(&analysis.Opts{
		Registry: registry,
		Store:    store,
		Blobs:    components.Blobs,
		PreAnalysis: func(ctx context.Context, obj *models.FileObject, plugin string) {
			exists, err := store.Exists(ctx, obj.UID)
			if err != nil {
				log.WithUID(obj.UID).WithPlugin(plugin).Error("failed to check object", "error", err)
				return
			}
			if !exists {
				if err := store.AddObject(ctx, obj); err != nil {
					log.WithUID(obj.UID).WithPlugin(plugin).Error("failed to store object", "error", err)
				}
			}
		},
		PostAnalysis: func(ctx context.Context, uid, plugin string, result *models.AnalysisResult) {
			if err := store.UpdateAnalysis(ctx, uid, plugin, result); err != nil {
				log.WithUID(uid).WithPlugin(plugin).Error("failed to store analysis result", "error", err)
			}
			if b.afterAnalysis != nil {
				b.afterAnalysis(uid, plugin, result)
			}
		},
		Config: cfg.Analysis,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis scheduler: %w", err)
	}

	b.unpacker, err = unpacker.New(&unpacker.Opts{
		Config:    cfg.Unpack,
		Extractor: extractor.Default(),
		Locks:     components.Locks,
		Blobs:     components.Blobs,
		PostUnpack: func(ctx context.Context, obj *models.FileObject) {
			if err := store.AddObject(ctx, obj); err != nil {
				log.WithUID(obj.UID).Error("failed to store unpacked object", "error", err)
				return
			}
			if err := b.analysis.StartAnalysisOfObject(ctx, obj); err != nil {
				log.WithUID(obj.UID).Error("failed to schedule analysis", "error", err)
			}
		},
		Throttle:  b.analysis.QueueLength,
		PollDelay: cfg.Intercom.PollDelay,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create unpacking scheduler: %w", err)
	}

	b.listener = intercom.NewListener(&intercom.Opts{
		Transport: components.Intercom,
		Store:     store,
		Blobs:     components.Blobs,
		Locks:     components.Locks,
		Unpacker:  b.unpacker,
		Analyzer:  b.analysis,
		Forget: func(ctx context.Context, uid string) {
			b.analysis.Forget(uid)
			store.Forget(ctx, uid, registry.Names()...)
		},
		Config: cfg.Intercom,
		Logger: log,
	})
	return b, nil
}

// start runs every component in its own goroutine; failures are sent on
// the returned channel
func (b *backend) start(ctx context.Context) chan error {
	errChan := make(chan error, 3)
	log := b.components.Logger

	go func() {
		log.Info("starting analysis scheduler")
		if err := b.analysis.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("analysis scheduler error: %w", err)
		}
	}()

	go func() {
		log.Info("starting unpacking scheduler")
		if err := b.unpacker.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("unpacking scheduler error: %w", err)
		}
	}()

	listenerCtx, cancel := context.WithCancel(ctx)
	b.stopListener = cancel
	go func() {
		log.Info("starting intercom listener")
		if err := b.listener.Start(listenerCtx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("intercom listener error: %w", err)
		}
	}()

	return errChan
}

// shutdown stops intake first, then lets unpacking and analysis drain in
// pipeline order
func (b *backend) shutdown(ctx context.Context) error {
	if b.stopListener != nil {
		b.stopListener()
	}

	var result *multierror.Error
	if err := b.unpacker.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := b.analysis.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
