package supervisor

import (
	"context"
	"time"

	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/thejerf/suture/v4"
)

// TreeConfig holds the restart policy of the supervisor
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree supervises the bot's long-running services
type Tree struct {
	root   *suture.Supervisor
	logger voice.Logger
}

// NewTree creates a supervisor logging its events through logger
func NewTree(logger voice.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = voice.NullLogger()
	}
	logger = logger.With(voice.String("component", "supervisor"))

	spec := suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	return &Tree{
		root:   suture.New("voiceguard", spec),
		logger: logger,
	}
}

func eventHook(logger voice.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := []voice.Field{voice.Int("event_type", int(e.Type()))}
		for k, v := range e.Map() {
			fields = append(fields, voice.Any(k, v))
		}
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			logger.Error(e.String(), fields...)
		default:
			logger.Warn(e.String(), fields...)
		}
	}
}

// Add supervises svc
func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// ServeBackground runs the tree until ctx ends
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout
func (t *Tree) UnstoppedServiceReport() (suture.UnstoppedServiceReport, error) {
	return t.root.UnstoppedServiceReport()
}
