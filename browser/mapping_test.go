package browser

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common"
	"github.com/grafana/ghost/log"
)

// customMappings is a list of custom mappings for our module API.
// An empty string means the method is only available from Go.
func customMappings() map[string]string {
	return map[string]string{
		"ghostAPI.browser":    "",
		"sessionAPI.document": "",
	}
}

// TestMappings tests that all the methods of the API are mapped
// to the module. This is to ensure that we don't forget to map
// a new method to the module.
func TestMappings(t *testing.T) {
	t.Parallel()

	type test struct {
		apiInterface any
		mapp         func() mapping
	}

	var (
		vu             = moduleVU{rt: goja.New(), ctx: context.Background()}
		customMappings = customMappings()
	)

	testMapping := func(t *testing.T, tt test) {
		t.Helper()

		var (
			typ    = reflect.TypeOf(tt.apiInterface).Elem()
			mapped = tt.mapp()
			tested = make(map[string]bool)
		)
		for i := 0; i < typ.NumMethod(); i++ {
			method := typ.Method(i)
			require.NotNil(t, method)

			// goja uses methods that starts with lowercase.
			m := toFirstLetterLower(method.Name)

			cm, cmok := isCustomMapping(customMappings, typ.Name(), m)
			if _, ok := mapped[m]; cmok && ok {
				t.Errorf("method %q should not be mapped", m)
			}
			if cmok && cm == "" {
				continue
			}
			if cmok {
				m = cm
			}
			if _, ok := mapped[m]; !ok {
				t.Errorf("method %q not found", m)
			}
			tested[m] = true
		}
		for m := range mapped {
			if !tested[m] {
				t.Errorf("method %q is redundant", m)
			}
		}
	}

	for name, tt := range map[string]test{
		"ghost": {
			apiInterface: (*ghostAPI)(nil),
			mapp: func() mapping {
				return mapGhost(vu, &common.Ghost{})
			},
		},
		"session": {
			apiInterface: (*sessionAPI)(nil),
			mapp: func() mapping {
				return mapSession(vu, &common.Session{})
			},
		},
	} {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testMapping(t, tt)
		})
	}
}

// toFirstLetterLower converts the first letter of the string to lower case.
func toFirstLetterLower(s string) string {
	special := map[string]string{
		"ID":             "id",
		"EvaluateJSFile": "evaluateJSFile",
	}
	if v, ok := special[s]; ok {
		return v
	}
	if s == "" {
		return ""
	}

	return strings.ToLower(s[:1]) + s[1:]
}

// isCustomMapping returns true if the method is a custom mapping
// and returns the name of the method to be called instead of the
// original one.
func isCustomMapping(customMappings map[string]string, typ, method string) (string, bool) {
	name := typ + "." + method

	if s, ok := customMappings[name]; ok {
		return s, ok
	}

	return "", false
}

// ----------------------------------------------------------------------------
// JavaScript API definitions.
// ----------------------------------------------------------------------------

// ghostAPI is the entry point of the module.
type ghostAPI interface {
	Browser() api.Browser
	Exit() error
	Sessions() int
	Start(opts goja.Value) (*common.Session, error)
}

// sessionAPI is a page driven synchronously.
type sessionAPI interface {
	Call(selector, method string, opts goja.Value) (*common.ActionResult, error)
	ClearAlertMessage()
	ClearCache() error
	Click(selector string, opts goja.Value) (*common.ActionResult, error)
	Close() error
	Confirm(answer goja.Value, fn goja.Value) (goja.Value, error)
	Content() (string, error)
	Cookies() ([]*api.Cookie, error)
	DeleteCookies() error
	Document() (any, error)
	EvaluateJSFile(path string, opts goja.Value) (*common.ActionResult, error)
	Evaluate(script string, opts goja.Value) (*common.ActionResult, error)
	Exists(selector string) (bool, error)
	Fill(selector string, values goja.Value, opts goja.Value) (*common.ActionResult, error)
	Fire(selector, event string, opts goja.Value) (*common.ActionResult, error)
	Frame(selector goja.Value) error
	GlobalExists(name string) (bool, error)
	ID() string
	InFlight() int
	Loaded() bool
	LoadCookies(path string, keepOld bool) error
	Open(address string, opts goja.Value) (*common.HTTPResource, error)
	PopupMessages() []string
	Prompt(answer goja.Value, fn goja.Value) (goja.Value, error)
	SaveCookies(path string) error
	ScrollToAnchor(anchor string) error
	SetFieldValue(selector string, value goja.Value, opts goja.Value) (*common.ActionResult, error)
	SetProxy(opts goja.Value) error
	SetUserAgent(ua string) error
	SetViewportSize(width, height int) error
	Sleep(seconds goja.Value) error
	WaitFor(condition goja.Value, message string, timeout goja.Value) error
	WaitForAlert(timeout goja.Value) (string, error)
	WaitForPageLoaded(timeout goja.Value) (*common.HTTPResource, error)
	WaitForSelector(selector string, timeout goja.Value) (bool, error)
	WaitForText(text string, timeout goja.Value) (bool, error)
	WaitWhileSelector(selector string, timeout goja.Value) (bool, error)
}

func TestSessionOpen(t *testing.T) {
	t.Parallel()

	tr := newTestRuntime(t, newFakeEngine(map[string]string{
		"http://ghost.test/": "<p>hi</p>",
	}), nil)

	got := tr.run(t, `
		const r = session.open("http://ghost.test/");
		[r.page.url, r.page.httpStatus, r.page.text, r.page.charset, r.resources.length, session.loaded()];
	`)
	assert.Equal(t, []any{"http://ghost.test/", int64(200), "<p>hi</p>", "utf-8", int64(1), true}, got)

	got = tr.run(t, `
		const p = session.open("http://ghost.test/missing").page;
		[p.httpStatus, session.content()];
	`)
	assert.Equal(t, []any{int64(404), ""}, got)
}

func TestMapHTTPResourceCopiesContent(t *testing.T) {
	t.Parallel()

	res := common.NewHTTPResource(log.NewNullLogger(), &api.Reply{
		URL:     "http://ghost.test/",
		Status:  200,
		Headers: []api.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
	}, []byte("abc"))

	rt := goja.New()
	require.NoError(t, rt.Set("res", mapHTTPResource(rt, res)))
	got, err := rt.RunString(`
		new Uint8Array(res.content)[0] = 120;
		res.headers["Content-Type"] = "image/png";
		String.fromCharCode(new Uint8Array(res.content)[0]);
	`)
	require.NoError(t, err)

	assert.Equal(t, "x", got.Export())
	assert.Equal(t, []byte("abc"), res.Content)
	assert.Equal(t, "text/plain; charset=utf-8", res.ContentType())
}

func TestSessionOpenOptionErrors(t *testing.T) {
	t.Parallel()

	tr := newTestRuntime(t, newFakeEngine(nil), nil)

	_, err := tr.rt.RunString(`session.open("http://ghost.test/", {auth: {password: "x"}})`)
	assert.ErrorContains(t, err, "username is required")

	_, err = tr.rt.RunString(`session.open("http://ghost.test/", {method: "TRACE"})`)
	assert.ErrorContains(t, err, "Invalid http method")
}

func TestSessionDialogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, script string
		want         any
		wantErr      string
	}{
		{
			name:   "confirm_value",
			script: `session.confirm(false, () => session.evaluate("confirm('sure?')").value)`,
			want:   false,
		},
		{
			name: "confirm_producer",
			script: `
				let calls = 0;
				const ok = session.confirm(() => { calls++; return true }, () => session.evaluate("confirm('sure?')").value);
				[ok, calls];
			`,
			want: []any{true, int64(1)},
		},
		{
			name:    "confirm_producer_throws",
			script:  `session.confirm(() => { throw new Error("boom") }, () => session.evaluate("confirm('sure?')"))`,
			wantErr: "boom",
		},
		{
			name:    "confirm_without_actions",
			script:  `session.confirm(true)`,
			wantErr: "a function running the dialog actions is required",
		},
		{
			name:    "confirm_unexpected",
			script:  `session.evaluate("confirm('sure?')")`,
			wantErr: "You must specify a value to confirm",
		},
		{
			name:   "prompt_value",
			script: `session.prompt("Casper", () => session.evaluate("prompt('name?')").value)`,
			want:   "Casper",
		},
		{
			name: "alert",
			script: `
				session.evaluate("alert('hello')");
				[session.waitForAlert(1).message, session.popupMessages()];
			`,
			want: []any{"hello", []string{"hello"}},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			engine := newFakeEngine(nil)
			engine.evaluate = dialogEvaluator
			tr := newTestRuntime(t, engine, nil)

			v, err := tr.rt.RunString(tc.script)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Export())
		})
	}
}

func TestSessionWaits(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(nil)
	engine.content = "<h1>ready</h1>"
	tr := newTestRuntime(t, engine, nil)

	got := tr.run(t, `
		let n = 0;
		session.waitFor(() => ++n >= 3, "never", 1);
		[n, session.waitForText("ready", 1).found, session.waitWhileSelector("#gone", 1).found];
	`)
	assert.Equal(t, []any{int64(3), true, true}, got)

	_, err := tr.rt.RunString(`session.waitForSelector("#nope", 0.05)`)
	assert.ErrorContains(t, err, `Can't find element matching "#nope"`)
}

func TestSessionCookies(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(nil)
	engine.cookies = []*api.Cookie{
		{Name: "a", Value: "1", Domain: ".ghost.test", Path: "/", Expires: null.IntFrom(2000000000)},
		{Name: "b", Value: "2", Domain: ".ghost.test", Path: "/"},
	}
	tr := newTestRuntime(t, engine, nil)

	got := tr.run(t, `
		const c = session.cookies();
		[c.length, c[0].name, c[0].expires, c[1].expires];
	`)
	assert.Equal(t, []any{int64(2), "a", int64(2000000000), nil}, got)

	got = tr.run(t, `
		session.saveCookies("/cookies.txt");
		session.deleteCookies();
		const before = session.cookies().length;
		session.loadCookies("/cookies.txt");
		[before, session.cookies().length];
	`)
	assert.Equal(t, []any{int64(0), int64(2)}, got)
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(nil)
	tr := newTestRuntime(t, engine, nil)

	tr.run(t, `session.close()`)
	assert.True(t, engine.closed)

	_, err := tr.rt.RunString(`session.content()`)
	assert.ErrorContains(t, err, common.ErrSessionClosed.Error())
}

// The Ghost context is process-wide, so this test doesn't run in parallel.
func TestModule(t *testing.T) {
	bt := &fakeBrowserType{}
	opts := common.NewGhostOptions()
	opts.Env = func(string) (string, bool) { return "", false }
	opts.CacheDir = t.TempDir()

	g, err := common.NewGhost(context.Background(), bt, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Exit() })

	rt := goja.New()
	require.NoError(t, New(context.Background(), rt, g).Register())

	v, err := rt.RunString(`
		const s = ghost.start({waitTimeout: 2, viewport: {width: 1024, height: 768}});
		const n = ghost.sessions();
		s.close();
		[ghost.version, n, ghost.sessions()];
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{Version, int64(1), int64(0)}, v.Export())

	_, err = rt.RunString(`ghost.start({viewport: {width: 0}})`)
	assert.ErrorContains(t, err, "invalid viewport")

	_, err = rt.RunString(`ghost.exit(); ghost.start()`)
	assert.ErrorContains(t, err, common.ErrGhostExited.Error())
}

type fakeBrowser struct{ closed bool }

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

func (b *fakeBrowser) IsConnected() bool { return !b.closed }

func (b *fakeBrowser) NewEngine(context.Context, *api.EngineOptions) (api.Engine, error) {
	return newFakeEngine(nil), nil
}

func (b *fakeBrowser) UserAgent() string { return common.DefaultUserAgent }

func (b *fakeBrowser) Version() string { return "HeadlessChrome/120.0" }

type fakeBrowserType struct{}

func (fakeBrowserType) Connect(context.Context, string) (api.Browser, error) {
	return &fakeBrowser{}, nil
}

func (fakeBrowserType) ExecutablePath() string { return "chromium" }

func (fakeBrowserType) Launch(context.Context, *api.LaunchOptions) (api.Browser, error) {
	return &fakeBrowser{}, nil
}

func (fakeBrowserType) Name() string { return "chromium" }
