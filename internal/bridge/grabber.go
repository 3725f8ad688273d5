package bridge

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/loxbridge/internal/logger"
	"codeberg.org/mutker/loxbridge/internal/model"
	"codeberg.org/mutker/loxbridge/internal/session"
)

const (
	pollCommand     = "all"
	pollConcurrency = 10
	pollBackoff     = 5 * time.Second
)

// GrabberConfig parameterizes the poll loop. Registry yields the current
// poll-subscribed snapshot so the grabber follows registry rebuilds.
type GrabberConfig struct {
	Session      session.Client
	Enabled      bool
	Interval     time.Duration
	VisuPassword string
	Registry     func() model.Registry
}

// Grabber periodically requests fresh values for every poll-subscribed
// control. In-flight requests are capped so a large registry cannot
// overwhelm the controller.
type Grabber struct {
	cfg GrabberConfig
}

func NewGrabber(cfg GrabberConfig) *Grabber {
	return &Grabber{cfg: cfg}
}

// Run loops until the context is canceled. A failing cycle logs and backs
// off briefly instead of aborting the loop.
func (g *Grabber) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		logger.Info().Msg("Polling disabled by configuration")
		return
	}

	logger.Info().Dur("interval", g.cfg.Interval).Msg("Poller started")

	for {
		failed := g.pollCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := g.cfg.Interval
		if failed {
			delay = pollBackoff
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// pollCycle requests values for every subscribed uuid, at most
// pollConcurrency in flight. A single failing uuid does not abort the
// cycle for the others.
func (g *Grabber) pollCycle(ctx context.Context) (failed bool) {
	registry := g.cfg.Registry()
	if len(registry) == 0 {
		return false
	}

	sem := make(chan struct{}, pollConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for uuid, ctrl := range registry {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(uuid string, ctrl *model.Control) {
			defer wg.Done()
			defer func() { <-sem }()

			var err error
			if ctrl.VisuPwd {
				err = g.cfg.Session.SendSecuredCommand(ctx, uuid, pollCommand, g.cfg.VisuPassword)
			} else {
				err = g.cfg.Session.SendCommand(ctx, uuid, pollCommand)
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn().
					Err(err).
					Str("uuid", uuid).
					Str("command", pollCommand).
					Msg("Poll request failed")
				mu.Lock()
				failed = true
				mu.Unlock()
			}
		}(uuid, ctrl)
	}

	wg.Wait()

	return failed
}
