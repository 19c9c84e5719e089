/*
 *
 * ghost - synchronous browser automation over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/env"
	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/metrics"
	"github.com/grafana/ghost/trace"
)

// DefaultLaunchTimeout bounds the start of a local browser.
const DefaultLaunchTimeout = 30 * time.Second

// ghostLive guards the process-wide Ghost context.
var ghostLive atomic.Bool //nolint:gochecknoglobals

// GhostOptions configure the browser shared by the sessions of a Ghost
// context.
type GhostOptions struct {
	ExecutablePath string
	Headless       bool
	Args           []string
	// CacheDir is the browser's disk cache directory. Empty uses
	// DefaultCacheDir.
	CacheDir string
	// CacheSize is the disk cache size in megabytes.
	CacheSize     int64
	LaunchTimeout time.Duration

	Env            env.LookupFunc
	FS             afero.Fs
	Logger         *log.Logger
	Metrics        *metrics.Metrics
	TracerProvider oteltrace.TracerProvider
}

// NewGhostOptions returns the default Ghost options.
func NewGhostOptions() *GhostOptions {
	return &GhostOptions{
		Headless:      true,
		CacheSize:     DefaultCacheSize,
		LaunchTimeout: DefaultLaunchTimeout,
		Env:           env.Lookup,
	}
}

// ApplyEnv overrides the options with the ones set in the environment.
func (o *GhostOptions) ApplyEnv(c *env.Config) {
	if c.ExecutablePath != "" {
		o.ExecutablePath = c.ExecutablePath
	}
	if c.Headless.Valid {
		o.Headless = c.Headless.Bool
	}
	if len(c.BrowserArgs) > 0 {
		o.Args = append(o.Args, c.BrowserArgs...)
	}
	if c.CacheSize.Valid {
		o.CacheSize = c.CacheSize.Int64
	}
}

// launchArgs are the extra flags of a launched browser, cache flags first.
func (o *GhostOptions) launchArgs() []string {
	var args []string
	if o.CacheDir != "" {
		args = append(args, "--disk-cache-dir="+o.CacheDir)
	}
	if o.CacheSize > 0 {
		args = append(args, "--disk-cache-size="+strconv.FormatInt(o.CacheSize*1024*1024, 10))
	}
	return append(args, o.Args...)
}

// Ghost is the process-wide browser context. It connects to a browser on
// the first Start and hands out sessions until Exit.
type Ghost struct {
	bt   api.BrowserType
	opts *GhostOptions
	cfg  *env.Config

	logger  *log.Logger
	metrics *metrics.Metrics
	tracer  *trace.Tracer

	mu       sync.Mutex
	browser  api.Browser
	sessions map[string]*Session
	exited   bool
}

// NewGhost creates the Ghost context. Only one can be live in a process;
// a second one fails with ErrGhostAlreadyLive until the first exits.
func NewGhost(ctx context.Context, bt api.BrowserType, opts *GhostOptions) (_ *Ghost, err error) {
	if !ghostLive.CompareAndSwap(false, true) {
		return nil, ErrGhostAlreadyLive
	}
	defer func() {
		if err != nil {
			ghostLive.Store(false)
		}
	}()

	if opts == nil {
		opts = NewGhostOptions()
	}
	if opts.Env == nil {
		opts.Env = env.Lookup
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNullLogger()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}

	cfg, err := env.Parse(opts.Env)
	if err != nil {
		return nil, err
	}
	opts.ApplyEnv(cfg)
	if opts.CacheDir == "" {
		dir, err := DefaultCacheDir(cfg)
		if err != nil {
			opts.Logger.Warnf("Ghost:New", "%v, using the browser's cache directory", err)
		}
		opts.CacheDir = dir
	}

	tracer := trace.NewNoopTracer()
	if opts.TracerProvider != nil {
		tracer = trace.NewTracer(opts.Logger, opts.TracerProvider, nil)
	}

	opts.Logger.Debugf("Ghost:New", "browser:%s cacheDir:%q", bt.Name(), opts.CacheDir)

	return &Ghost{
		bt:       bt,
		opts:     opts,
		cfg:      cfg,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		sessions: make(map[string]*Session),
	}, nil
}

// Start creates a session on a new engine page. A nil opts uses the default
// session options overridden by the environment.
func (g *Ghost) Start(ctx context.Context, opts *SessionOptions) (*Session, error) {
	if opts == nil {
		opts = NewSessionOptions()
		opts.ApplyEnv(g.cfg)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating session options: %w", err)
	}

	browser, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := browser.NewEngine(ctx, opts.engineOptions())
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	s, err := NewSession(engine, opts, SessionDeps{
		Logger:  g.logger,
		Metrics: g.metrics,
		Tracer:  g.tracer,
		FS:      g.opts.FS,
		OnClose: g.forget,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	g.mu.Lock()
	if g.exited {
		// Exit ran while the engine was being created.
		g.mu.Unlock()
		_ = s.Close()
		return nil, ErrGhostExited
	}
	g.sessions[s.ID()] = s
	g.mu.Unlock()

	g.logger.Infof("Ghost:Start", "Started session %s", s.ID())

	return s, nil
}

// Browser returns the connected browser, if any.
func (g *Ghost) Browser() api.Browser {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.browser
}

// Sessions returns the number of open sessions.
func (g *Ghost) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Exit closes every session and the browser, and releases the process-wide
// guard. Later calls are no-ops.
func (g *Ghost) Exit() error {
	g.mu.Lock()
	if g.exited {
		g.mu.Unlock()
		return nil
	}
	g.exited = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	browser := g.browser
	g.browser = nil
	g.mu.Unlock()

	defer ghostLive.Store(false)

	g.logger.Infof("Ghost:Exit", "Closing %d sessions", len(sessions))

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if browser != nil {
		if err := browser.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing browser: %w", err)
		}
	}

	return firstErr
}

// connect returns the browser, connecting to a remote one named by
// GHOST_WS_URL or launching a local one on first use.
func (g *Ghost) connect(ctx context.Context) (api.Browser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exited {
		return nil, ErrGhostExited
	}
	if g.browser != nil {
		return g.browser, nil
	}

	var (
		browser api.Browser
		err     error
	)
	if urls, ok := env.IsRemoteBrowser(g.opts.Env); ok {
		g.logger.Debugf("Ghost:connect", "wsURL:%q", urls[0])
		browser, err = g.bt.Connect(ctx, urls[0])
	} else {
		browser, err = g.bt.Launch(ctx, &api.LaunchOptions{
			ExecutablePath: g.opts.ExecutablePath,
			Headless:       g.opts.Headless,
			Args:           g.opts.launchArgs(),
			Timeout:        g.opts.LaunchTimeout,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", g.bt.Name(), err)
	}
	g.logger.Infof("Ghost:connect", "Connected to %s", browser.Version())
	g.browser = browser

	return browser, nil
}

func (g *Ghost) forget(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s.ID())
}
