package common

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common/js"
	"github.com/grafana/ghost/log"
)

func newTestLogger(t *testing.T) (*log.Logger, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return log.New(logger, false, nil), hook
}

func assertLogContains(t *testing.T, hook *test.Hook, msg string) {
	t.Helper()

	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, msg) {
			return
		}
	}
	assert.Failf(t, "log message not found", "no log line contains %q", msg)
}

func assertLogNotContains(t *testing.T, hook *test.Hook, msg string) {
	t.Helper()

	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, msg) {
			assert.Failf(t, "unexpected log message", "log line %q contains %q", e.Message, msg)
		}
	}
}

// engineEvent is a queued engine event. An error is returned from
// ProcessEvents, like a failing dialog handler.
type engineEvent func(h api.EngineHandler) error

// fakeEngine is a scripted api.Engine. Tests queue events that are handed
// to the handler on the next ProcessEvents call.
type fakeEngine struct {
	handler api.EngineHandler
	events  []engineEvent

	// onLoad queues the events of a navigation.
	onLoad func(e *fakeEngine, req *api.LoadRequest)
	// evaluate answers scripts. Unset, scripts evaluate to nil.
	evaluate func(e *fakeEngine, script string) (any, error)

	frameURL   string
	content    string
	cookies    []*api.Cookie
	loads      []*api.LoadRequest
	aborted    []api.ReplyID
	abortErr   error
	userAgent  string
	cache      bool
	viewport   [2]int
	proxy      *api.Proxy
	frame      string
	inputFiles map[string][]string
	closed     bool
}

var _ api.Engine = &fakeEngine{}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		cache:      true,
		inputFiles: make(map[string][]string),
	}
}

func (e *fakeEngine) push(evs ...engineEvent) {
	e.events = append(e.events, evs...)
}

// pushPage queues a main frame navigation to url that loads a document and
// its subresources.
func (e *fakeEngine) pushPage(url, body string, subresources ...string) {
	e.push(func(h api.EngineHandler) error {
		h.LoadStarted()
		return nil
	})
	e.pushReply(url, 200, "text/html; charset=utf-8", body)
	for _, sub := range subresources {
		e.pushReply(sub, 200, "text/css", "body{}")
	}
	e.push(func(h api.EngineHandler) error {
		e.frameURL = url
		e.content = body
		h.LoadFinished(true)
		return nil
	})
}

// pushReply queues the whole lifecycle of a reply.
func (e *fakeEngine) pushReply(url string, status int, contentType, body string) {
	e.push(func(h api.EngineHandler) error {
		id, disposition := h.ReplyCreated(&api.Request{URL: url, Method: "GET"})
		if disposition == api.DispositionExclude {
			h.ReplyFinished(id, &api.Reply{URL: url})
			return nil
		}
		h.ReplyPartialData(id, []byte(body))
		h.ReplyFinished(id, &api.Reply{
			URL:     url,
			Status:  status,
			Headers: []api.Header{{Name: "Content-Type", Value: contentType}},
		})
		return nil
	})
}

func (e *fakeEngine) SetHandler(h api.EngineHandler) { e.handler = h }

func (e *fakeEngine) Load(_ context.Context, req *api.LoadRequest) error {
	e.loads = append(e.loads, req)
	if e.onLoad != nil {
		e.onLoad(e, req)
	}
	return nil
}

func (e *fakeEngine) ProcessEvents(ctx context.Context, maxWait time.Duration) error {
	if len(e.events) == 0 {
		if maxWait > 2*time.Millisecond {
			maxWait = 2 * time.Millisecond
		}
		select {
		case <-time.After(maxWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	evs := e.events
	e.events = nil
	for i, ev := range evs {
		if err := ev(e.handler); err != nil {
			e.events = append(evs[i+1:], e.events...)
			return err
		}
	}
	return nil
}

func (e *fakeEngine) Evaluate(_ context.Context, script string) (any, error) {
	if e.evaluate == nil {
		return nil, nil
	}
	return e.evaluate(e, script)
}

func (e *fakeEngine) SetFrame(_ context.Context, selector string) error {
	e.frame = selector
	return nil
}

func (e *fakeEngine) FrameURL(context.Context) (string, error) { return e.frameURL, nil }

func (e *fakeEngine) Content(context.Context) (string, error) { return e.content, nil }

func (e *fakeEngine) SetInputFiles(_ context.Context, selector string, files []string) error {
	e.inputFiles[selector] = files
	return nil
}

func (e *fakeEngine) Cookies(context.Context) ([]*api.Cookie, error) {
	return append([]*api.Cookie(nil), e.cookies...), nil
}

func (e *fakeEngine) SetCookies(_ context.Context, cookies []*api.Cookie) error {
	for _, c := range cookies {
		replaced := false
		for i, old := range e.cookies {
			if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
				e.cookies[i], replaced = c, true
			}
		}
		if !replaced {
			e.cookies = append(e.cookies, c)
		}
	}
	return nil
}

func (e *fakeEngine) ClearCookies(context.Context) error {
	e.cookies = nil
	return nil
}

func (e *fakeEngine) ClearCache(context.Context) error { return nil }

func (e *fakeEngine) SetCacheEnabled(_ context.Context, enabled bool) error {
	e.cache = enabled
	return nil
}

func (e *fakeEngine) SetUserAgent(_ context.Context, ua string) error {
	e.userAgent = ua
	return nil
}

func (e *fakeEngine) SetViewportSize(_ context.Context, width, height int) error {
	e.viewport = [2]int{width, height}
	return nil
}

func (e *fakeEngine) SetProxy(_ context.Context, p *api.Proxy) error {
	e.proxy = p
	return nil
}

func (e *fakeEngine) Abort(id api.ReplyID) error {
	e.aborted = append(e.aborted, id)
	return e.abortErr
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

// isScript reports whether script invokes the embedded function fn.
func isScript(script, fn string) bool {
	return strings.HasPrefix(script, "("+strings.TrimSpace(fn)+")(")
}

// selectorEvaluator answers the existence script for the selectors in
// present and delegates the rest to next, if set.
func selectorEvaluator(
	present map[string]bool, next func(e *fakeEngine, script string) (any, error),
) func(e *fakeEngine, script string) (any, error) {
	return func(e *fakeEngine, script string) (any, error) {
		if isScript(script, js.ExistsScript) {
			for sel, ok := range present {
				if ok && strings.Contains(script, jsString(sel)) {
					return true, nil
				}
			}
			return false, nil
		}
		if next != nil {
			return next(e, script)
		}
		return nil, nil
	}
}

func jsString(s string) string {
	encoded, _ := js.Invoke("f", s)
	return strings.TrimSuffix(strings.TrimPrefix(encoded, "(f)("), ")")
}

type testSession struct {
	*Session
	engine *fakeEngine
	hook   *test.Hook
	fs     afero.Fs
}

func newTestSession(t *testing.T, opts *SessionOptions) *testSession {
	t.Helper()

	logger, hook := newTestLogger(t)
	engine := newFakeEngine()
	fs := afero.NewMemMapFs()

	if opts == nil {
		opts = NewSessionOptions()
	}
	s, err := NewSession(engine, opts, SessionDeps{Logger: logger, FS: fs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &testSession{Session: s, engine: engine, hook: hook, fs: fs}
}
