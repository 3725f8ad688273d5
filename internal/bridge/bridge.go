// Package bridge owns the control registries and routes live data between
// the session, the poller and the metric writer.
package bridge

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/fetch"
	"codeberg.org/mutker/loxbridge/internal/logger"
	"codeberg.org/mutker/loxbridge/internal/model"
	"codeberg.org/mutker/loxbridge/internal/point"
	"codeberg.org/mutker/loxbridge/internal/session"
	"codeberg.org/mutker/loxbridge/internal/writer"
)

// ConfigSource yields the current structural document, from cache or from
// the controller.
type ConfigSource interface {
	Fetch(ctx context.Context, persist, useCache bool) (string, *fetch.Metadata, error)
}

// Bridge wires the session's live data through the control registries into
// the writer. Registries are replaced wholesale on rebuild; concurrent
// readers see either the old or the new complete set, never a mix.
type Bridge struct {
	cfg       *config.Config
	session   session.Client
	writer    writer.Writer
	source    ConfigSource
	builder   *model.Builder
	formatter *point.Formatter

	mu   sync.RWMutex
	regs *model.Registries

	// closed once the first rebuild has installed a registry set; reconnect
	// rebuilds wait on it so they cannot race the startup build.
	controlsReady chan struct{}
	readyOnce     sync.Once

	runCtx   context.Context
	fatal    chan error
	stopping atomic.Bool

	writes sync.WaitGroup
}

func New(cfg *config.Config, sess session.Client, w writer.Writer, source ConfigSource) *Bridge {
	builder := model.NewBuilder(model.BuildConfig{
		TypeBlacklist: cfg.Filters.TypeBlacklist,
		Push: model.NewRule(
			cfg.Filters.Push.TypeBlacklist,
			cfg.Filters.Push.TypeWhitelist,
			cfg.Filters.Push.UUIDBlacklist,
			cfg.Filters.Push.UUIDWhitelist,
		),
		Poll: model.NewRule(
			cfg.Filters.Poll.TypeBlacklist,
			cfg.Filters.Poll.TypeWhitelist,
			cfg.Filters.Poll.UUIDBlacklist,
			cfg.Filters.Poll.UUIDWhitelist,
		),
	})

	return &Bridge{
		cfg:           cfg,
		session:       sess,
		writer:        w,
		source:        source,
		builder:       builder,
		formatter:     point.NewFormatter(cfg.General.RoundFloats, cfg.General.RoundingPrecision),
		controlsReady: make(chan struct{}),
		fatal:         make(chan error, 1),
	}
}

// Run starts all subsystems and blocks until the context is canceled or the
// session is lost for good. Startup launches the writer, the config build
// and the session concurrently; the poller waits on a readiness barrier for
// the latter two.
func (b *Bridge) Run(ctx context.Context) error {
	errFactory := errors.New()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.runCtx = runCtx

	// Handlers must be in place before the session can deliver anything.
	b.session.OnValues(b.HandleValues)
	b.session.OnText(b.HandleText)
	b.session.OnEvent(b.handleEvent)

	sessionReady := make(chan struct{})
	startupErr := make(chan error, 2)

	go func() {
		if err := b.writer.Init(); err != nil {
			// not fatal: writers reconnect lazily on the next write
			logger.Warn().Err(err).Msg("Writer initialization failed")
		}
	}()

	go func() {
		if err := b.rebuild(runCtx, true); err != nil {
			startupErr <- err
		}
	}()

	go func() {
		if err := b.session.Connect(runCtx); err != nil {
			startupErr <- err
			return
		}
		close(sessionReady)
	}()

	grabber := NewGrabber(GrabberConfig{
		Session:      b.session,
		Enabled:      b.cfg.General.Grabber,
		Interval:     time.Duration(b.cfg.General.GrabberInterval) * time.Second,
		VisuPassword: b.cfg.Miniserver.VisuPassword,
		Registry:     b.pollRegistry,
	})

	grabberDone := make(chan struct{})
	go func() {
		defer close(grabberDone)
		select {
		case <-b.controlsReady:
		case <-runCtx.Done():
			return
		}
		select {
		case <-sessionReady:
		case <-runCtx.Done():
			return
		}
		grabber.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-startupErr:
		runErr = errFactory.Wrap(ErrStartupFailed, err)
	case err := <-b.fatal:
		runErr = err
	}

	b.shutdown(cancel, grabberDone)

	return runErr
}

// shutdown stops the session, closes the writer, cancels outstanding tasks
// and waits for in-flight writes to drain. Cancellation during teardown is
// expected, not an error.
func (b *Bridge) shutdown(cancel context.CancelFunc, grabberDone <-chan struct{}) {
	b.stopping.Store(true)

	if err := b.session.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Session stop failed")
	}

	cancel()
	<-grabberDone
	b.writes.Wait()

	if err := b.writer.Close(); err != nil {
		logger.Warn().Err(err).Msg("Writer close failed")
	}

	logger.Info().Msg("Bridge shut down")
}

// rebuild fetches the structural document and replaces all three registries
// atomically.
func (b *Bridge) rebuild(ctx context.Context, useCache bool) error {
	errFactory := errors.New()

	document, _, err := b.source.Fetch(ctx, true, useCache)
	if err != nil {
		return errFactory.Wrap(ErrRebuildFailed, err)
	}

	regs, err := b.builder.Build(document)
	if err != nil {
		return errFactory.Wrap(ErrRebuildFailed, err)
	}

	b.mu.Lock()
	b.regs = regs
	b.mu.Unlock()

	b.readyOnce.Do(func() { close(b.controlsReady) })

	return nil
}

func (b *Bridge) registries() *model.Registries {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.regs
}

func (b *Bridge) pollRegistry() model.Registry {
	regs := b.registries()
	if regs == nil {
		return nil
	}

	return regs.Poll
}

// HandleValues routes one batch of push-path value states. Each known uuid
// becomes one fire-and-forget write; unknown uuids are dropped quietly.
func (b *Bridge) HandleValues(values map[string]float64) {
	regs := b.registries()
	if regs == nil {
		return
	}
	now := time.Now().UnixNano()

	for uuid, value := range values {
		ctrl, ok := regs.Push[uuid]
		if !ok {
			ctrl, ok = regs.All[uuid]
			if !ok {
				logger.Debug().Str("uuid", uuid).Msg("Value for unknown control dropped")
				continue
			}
			// The initial subscription pass missed this control; adopt it.
			b.promote(regs, uuid, ctrl)
		}

		line := make([]byte, 0, len(ctrl.Template)+32)
		line = append(line, ctrl.Template...)
		line = append(line, b.formatter.Float(value)...)
		line = append(line, ' ')
		line = strconv.AppendInt(line, now, 10)

		b.dispatch(line)
	}
}

func (b *Bridge) promote(regs *model.Registries, uuid string, ctrl *model.Control) {
	b.mu.Lock()
	regs.Push[uuid] = ctrl
	b.mu.Unlock()

	logger.Info().Str("uuid", uuid).Msg("Promoted control into push subscription")
}

// HandleText routes one poll reply into a single multi-field write. Output
// field names fall back from the declared name to the output number to a
// fixed default.
func (b *Bridge) HandleText(uuid string, payload session.TextPayload) {
	regs := b.registries()
	if regs == nil {
		return
	}

	ctrl, ok := regs.Poll[uuid]
	if !ok {
		logger.Debug().Str("uuid", uuid).Msg("Poll reply for unsubscribed control dropped")
		return
	}

	pt := ctrl.Builder.Clone().
		Tag("source", "grabber").
		Field("Default", b.formatter.Coerce(payload.Value))

	for _, out := range payload.Outputs {
		name := out.Name
		if name == "" {
			name = out.Nr
		}
		if name == "" {
			name = "Subdefault"
		}
		pt.Field(name, b.formatter.Coerce(out.Value))
	}

	pt.Time(time.Now().UnixNano())
	b.dispatch(pt.LineProtocol(b.formatter))
}

// dispatch hands one finished line to the writer without blocking the
// routing path. Loss of a point is acceptable; delaying the next is not.
func (b *Bridge) dispatch(line []byte) {
	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		b.writer.Write(line)
	}()
}

func (b *Bridge) handleEvent(kind session.EventKind) {
	switch kind {
	case session.EventReconnected:
		logger.Info().Msg("Session reconnected, rebuilding control registries")
		go func() {
			// A reconnect during startup must not race the initial build.
			select {
			case <-b.controlsReady:
			case <-b.runCtx.Done():
				return
			}
			if err := b.rebuild(b.runCtx, true); err != nil {
				if b.runCtx.Err() != nil {
					return
				}
				logger.ErrorWithCode(asCoded(err)).Msg("Registry rebuild after reconnect failed")
			}
		}()
	case session.EventClosed:
		if b.stopping.Load() || (b.runCtx != nil && b.runCtx.Err() != nil) {
			// expected during shutdown
			return
		}
		select {
		case b.fatal <- errors.New().New(ErrSessionLost):
		default:
		}
	}
}

func asCoded(err error) errors.Error {
	var coded errors.Error
	if errors.As(err, &coded) {
		return coded
	}

	return errors.New().Wrap(errors.ErrInternal, err)
}
