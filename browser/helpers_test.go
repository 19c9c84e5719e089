package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common"
	"github.com/grafana/ghost/log"
)

// fakeEngine loads pages from a map of bodies and answers scripts with
// evaluate.
type fakeEngine struct {
	handler api.EngineHandler
	events  []func(h api.EngineHandler)
	nextID  api.ReplyID

	pages    map[string]string
	url      string
	content  string
	cookies  []*api.Cookie
	evaluate func(h api.EngineHandler, script string) (any, error)
	closed   bool
}

var _ api.Engine = &fakeEngine{}

func newFakeEngine(pages map[string]string) *fakeEngine {
	return &fakeEngine{pages: pages}
}

func (e *fakeEngine) SetHandler(h api.EngineHandler) { e.handler = h }

func (e *fakeEngine) Load(_ context.Context, req *api.LoadRequest) error {
	body, ok := e.pages[req.URL]
	e.events = append(e.events, func(h api.EngineHandler) {
		h.LoadStarted()
		id, _ := h.ReplyCreated(&api.Request{URL: req.URL, Method: req.Method, Navigation: true})
		status := 200
		if !ok {
			status = 404
		}
		h.ReplyPartialData(id, []byte(body))
		h.ReplyFinished(id, &api.Reply{
			URL:     req.URL,
			Status:  status,
			Headers: []api.Header{{Name: "Content-Type", Value: "text/html; charset=utf-8"}},
		})
		e.url, e.content = req.URL, body
		h.LoadFinished(true)
	})
	return nil
}

func (e *fakeEngine) ProcessEvents(ctx context.Context, maxWait time.Duration) error {
	if len(e.events) == 0 {
		if maxWait > time.Millisecond {
			maxWait = time.Millisecond
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
	for _, ev := range evs {
		ev(e.handler)
	}
	return nil
}

func (e *fakeEngine) Evaluate(_ context.Context, script string) (any, error) {
	if e.evaluate == nil {
		return nil, nil
	}
	return e.evaluate(e.handler, script)
}

func (e *fakeEngine) SetFrame(context.Context, string) error { return nil }

func (e *fakeEngine) FrameURL(context.Context) (string, error) { return e.url, nil }

func (e *fakeEngine) Content(context.Context) (string, error) { return e.content, nil }

func (e *fakeEngine) SetInputFiles(context.Context, string, []string) error { return nil }

func (e *fakeEngine) Cookies(context.Context) ([]*api.Cookie, error) { return e.cookies, nil }

func (e *fakeEngine) SetCookies(_ context.Context, cookies []*api.Cookie) error {
	e.cookies = append(e.cookies, cookies...)
	return nil
}

func (e *fakeEngine) ClearCookies(context.Context) error {
	e.cookies = nil
	return nil
}

func (e *fakeEngine) ClearCache(context.Context) error { return nil }

func (e *fakeEngine) SetCacheEnabled(context.Context, bool) error { return nil }

func (e *fakeEngine) SetUserAgent(context.Context, string) error { return nil }

func (e *fakeEngine) SetViewportSize(context.Context, int, int) error { return nil }

func (e *fakeEngine) SetProxy(context.Context, *api.Proxy) error { return nil }

func (e *fakeEngine) Abort(api.ReplyID) error { return nil }

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

// dialogEvaluator raises the dialog a script calls, the way a page would.
func dialogEvaluator(h api.EngineHandler, script string) (any, error) {
	switch {
	case strings.HasPrefix(script, "alert("):
		h.Alert(quoted(script))
		return nil, nil
	case strings.HasPrefix(script, "confirm("):
		return h.Confirm(quoted(script))
	case strings.HasPrefix(script, "prompt("):
		text, ok, err := h.Prompt(quoted(script), "")
		if err != nil || !ok {
			return nil, err
		}
		return text, nil
	}
	return nil, nil
}

func quoted(script string) string {
	parts := strings.Split(script, "'")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

type testRuntime struct {
	rt      *goja.Runtime
	engine  *fakeEngine
	session *common.Session
	fs      afero.Fs
}

// newTestRuntime binds a session on a fake engine to the session global of
// a new runtime.
func newTestRuntime(t *testing.T, engine *fakeEngine, opts *common.SessionOptions) *testRuntime {
	t.Helper()

	fs := afero.NewMemMapFs()
	s, err := common.NewSession(engine, opts, common.SessionDeps{
		Logger: log.NewNullLogger(),
		FS:     fs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rt := goja.New()
	vu := moduleVU{rt: rt, ctx: context.Background()}
	require.NoError(t, rt.Set("session", mapSession(vu, s)))

	return &testRuntime{rt: rt, engine: engine, session: s, fs: fs}
}

func (tr *testRuntime) run(t *testing.T, script string) any {
	t.Helper()

	v, err := tr.rt.RunString(script)
	require.NoError(t, err)
	return v.Export()
}
