package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ghost/chromium"
	"github.com/grafana/ghost/common"
	"github.com/grafana/ghost/env"
	"github.com/grafana/ghost/log"
)

// pages are served next to the httpbin endpoints.
var pages = map[string]string{ //nolint:gochecknoglobals
	"/alert": `<html><body>
		<button id="alert" onclick="alert('hello')">alert</button>
		<script>alert('loaded')</script>
	</body></html>`,
	"/confirm": `<html><body>
		<p id="answer"></p>
		<button id="ask" onclick="document.getElementById('answer').textContent = confirm('sure?') ? 'yes' : 'no'">ask</button>
	</body></html>`,
	"/prompt": `<html><body>
		<p id="name"></p>
		<button id="ask" onclick="document.getElementById('name').textContent = prompt('name?')">ask</button>
	</body></html>`,
	"/form": `<html><body>
		<form id="login" action="/anything" method="get">
			<input type="text" name="user">
			<input type="checkbox" name="remember" value="on">
			<select name="lang"><option value="go">Go</option><option value="py">Python</option></select>
			<textarea name="bio"></textarea>
			<input type="submit" id="submit">
		</form>
		<script>window.ghostReady = true</script>
	</body></html>`,
	"/delayed": `<html><body>
		<div id="spinner">loading</div>
		<script>setTimeout(() => {
			document.getElementById('spinner').remove();
			document.body.insertAdjacentHTML('beforeend', '<p id="done">done</p>');
		}, 200)</script>
	</body></html>`,
	"/frames": `<html><body>
		<iframe id="inner" src="/inner"></iframe>
	</body></html>`,
	"/inner": `<html><body><p id="in-frame">inside</p></body></html>`,
	"/styled": `<html><head><link rel="stylesheet" href="/style.css"></head><body>styled</body></html>`,
	"/style.css": `body { color: red }`,
	"/latin1": "<html><body>caf\xe9</body></html>",
}

type testGhost struct {
	*common.Ghost
	srv *httptest.Server
}

// newTestGhost starts a Ghost context on the browser named by the
// environment. The test is skipped when there is none.
func newTestGhost(t *testing.T) *testGhost {
	t.Helper()

	if _, ok := os.LookupEnv(env.WebSocketURL); !ok {
		if _, ok := os.LookupEnv(env.ExecutablePath); !ok {
			t.Skipf("set %s or %s to run the browser tests", env.WebSocketURL, env.ExecutablePath)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	l := log.New(logger, false, nil)

	opts := common.NewGhostOptions()
	opts.Logger = l
	opts.CacheDir = t.TempDir()

	g, err := common.NewGhost(context.Background(), chromium.NewBrowserType(l), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, g.Exit()) })

	mux := http.NewServeMux()
	for path, body := range pages {
		body := body
		ctype := "text/html; charset=utf-8"
		switch path {
		case "/style.css":
			ctype = "text/css"
		case "/latin1":
			ctype = "text/html; charset=iso-8859-1"
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", ctype)
			_, _ = w.Write([]byte(body))
		})
	}
	mux.Handle("/", httpbin.New().Handler())

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testGhost{Ghost: g, srv: srv}
}

// start opens a session, closed when the test ends.
func (tg *testGhost) start(t *testing.T, opts *common.SessionOptions) *common.Session {
	t.Helper()

	s, err := tg.Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func (tg *testGhost) url(path string) string {
	return tg.srv.URL + path
}
