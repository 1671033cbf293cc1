package container

import (
	"context"

	"github.com/fwlab/fact/common/bootstrap"
	"github.com/fwlab/fact/common/intercom"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/ratelimit"
	"github.com/fwlab/fact/common/repository"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Backend is the intercom API of the analysis backend
type Backend interface {
	AddAnalysisTask(ctx context.Context, fw *models.Firmware) error
	AddReAnalyzeTask(ctx context.Context, uid string, requested []string, unpack bool) error
	AddBinarySearchRequest(ctx context.Context, rules, uid string) (string, error)
	GetBinarySearchResult(ctx context.Context, id string) (*intercom.SearchResult, bool, error)
	DeleteFile(ctx context.Context, uids []string) error
	GetAvailableAnalysisPlugins(ctx context.Context) (map[string]models.PluginInfo, error)
}

// Container holds everything the REST handlers need
type Container struct {
	Components *bootstrap.Components
	Store      repository.Store
	Backend    Backend
	Limiter    ratelimit.Limiter
	Logger     Logger
}

// NewContainer wires the frontend side of intercom to components
func NewContainer(components *bootstrap.Components) *Container {
	cfg := components.Config

	var limiter ratelimit.Limiter
	if components.Redis != nil {
		limiter = ratelimit.NewRedisLimiter(components.Redis.GetUnderlying(), components.Logger)
	} else {
		limiter = ratelimit.NewMemoryLimiter(components.Logger)
	}

	return &Container{
		Components: components,
		Store:      components.Store,
		Backend: intercom.NewFrontendBinding(&intercom.FrontendOpts{
			Transport:            components.Intercom,
			PollDelay:            cfg.Intercom.PollDelay,
			CommunicationTimeout: cfg.Intercom.CommunicationTimeout,
			Logger:               components.Logger,
		}),
		Limiter: limiter,
		Logger:  components.Logger,
	}
}
