package tests

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common"
)

// The Ghost context is process-wide, so these tests don't run in parallel.

func TestSessionOpen(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	page, resources, err := s.Open(ctx, tg.url("/html"), nil)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 200, page.HTTPStatus)
	assert.True(t, page.Decoded)
	assert.Contains(t, page.Text, "Herman Melville")
	assert.NotEmpty(t, resources)
	assert.True(t, s.Loaded())
	assert.Zero(t, s.InFlight())

	page, _, err = s.Open(ctx, tg.url("/status/404"), nil)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 404, page.HTTPStatus)
}

func TestSessionResources(t *testing.T) {
	tests := []struct {
		name    string
		exclude string
		want    bool
	}{
		{name: "captured", want: true},
		{name: "excluded", exclude: `\.css$`, want: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tg := newTestGhost(t)
			opts := common.NewSessionOptions()
			opts.Exclude = tc.exclude
			s := tg.start(t, opts)

			_, resources, err := s.Open(context.Background(), tg.url("/styled"), nil)
			require.NoError(t, err)

			var found bool
			for _, r := range resources {
				if strings.HasSuffix(r.URL, "/style.css") {
					found = true
				}
			}
			assert.Equal(t, tc.want, found)
		})
	}
}

func TestSessionCharset(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)

	page, _, err := s.Open(context.Background(), tg.url("/latin1"), nil)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, "iso-8859-1", page.Charset)
	assert.Contains(t, page.Text, "café")
}

func TestSessionWaitForSelector(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/delayed"), nil)
	require.NoError(t, err)

	found, _, err := s.WaitForSelector(ctx, "#done", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, found)

	gone, _, err := s.WaitWhileSelector(ctx, "#spinner", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, gone)

	_, _, err = s.WaitForSelector(ctx, "#never", 200*time.Millisecond)
	assert.True(t, common.IsTimeout(err))
}

func TestSessionAlert(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/alert"), nil)
	require.NoError(t, err)

	msg, _, err := s.WaitForAlert(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "loaded", msg)

	_, err = s.Click(ctx, "#alert", 0, nil)
	require.NoError(t, err)
	msg, _, err = s.WaitForAlert(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
	assert.Equal(t, []string{"loaded", "hello"}, s.PopupMessages())
}

func TestSessionConfirm(t *testing.T) {
	tests := []struct {
		name string
		exp  *common.Expectation
		want string
	}{
		{name: "accept", exp: common.ExpectValue(true), want: "yes"},
		{name: "dismiss", exp: common.ExpectValue(false), want: "no"},
		{name: "producer", exp: common.ExpectFunc(func() any { return 1 }), want: "yes"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tg := newTestGhost(t)
			s := tg.start(t, nil)
			ctx := context.Background()

			_, _, err := s.Open(ctx, tg.url("/confirm"), nil)
			require.NoError(t, err)

			err = s.WithConfirm(tc.exp, func() error {
				_, err := s.Click(ctx, "#ask", 0, nil)
				return err
			})
			require.NoError(t, err)

			found, _, err := s.WaitForText(ctx, ">"+tc.want+"<", 5*time.Second)
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

func TestSessionConfirmUnexpected(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/confirm"), nil)
	require.NoError(t, err)

	_, err = s.Click(ctx, "#ask", 0, nil)
	assert.True(t, common.IsPrecondition(err), "got %v", err)
}

func TestSessionPrompt(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/prompt"), nil)
	require.NoError(t, err)

	err = s.WithPrompt(common.ExpectValue("Casper"), func() error {
		_, err := s.Click(ctx, "#ask", 0, nil)
		return err
	})
	require.NoError(t, err)

	found, _, err := s.WaitForText(ctx, "Casper", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSessionFillForm(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/form"), nil)
	require.NoError(t, err)

	ok, err := s.GlobalExists(ctx, "ghostReady")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Fill(ctx, "#login", map[string]any{
		"user":     "casper",
		"remember": true,
		"lang":     "py",
		"bio":      "friendly",
	}, nil)
	require.NoError(t, err)

	res, err := s.Click(ctx, "#submit", 0, &common.ActionOptions{ExpectLoading: true})
	require.NoError(t, err)
	require.NotNil(t, res.Page)
	assert.Contains(t, res.Page.URL, "user=casper")
	assert.Contains(t, res.Page.URL, "remember=on")
	assert.Contains(t, res.Page.URL, "lang=py")
	assert.Contains(t, res.Page.URL, "bio=friendly")
}

func TestSessionBasicAuth(t *testing.T) {
	tests := []struct {
		name string
		auth *api.Credentials
		want int
	}{
		{name: "credentials", auth: &api.Credentials{Username: "user", Password: "passwd"}, want: 200},
		{name: "wrong", auth: &api.Credentials{Username: "user", Password: "nope"}, want: 401},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tg := newTestGhost(t)
			s := tg.start(t, nil)

			opts := common.NewOpenOptions()
			opts.Auth = tc.auth
			page, _, err := s.Open(context.Background(), tg.url("/basic-auth/user/passwd"), opts)
			require.NoError(t, err)
			require.NotNil(t, page)
			assert.Equal(t, tc.want, page.HTTPStatus)
		})
	}
}

func TestSessionCookies(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/cookies/set?ghost=casper"), nil)
	require.NoError(t, err)

	cookies, err := s.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "ghost", cookies[0].Name)
	assert.Equal(t, "casper", cookies[0].Value)

	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, s.SaveCookiesFile(ctx, path))
	require.NoError(t, s.DeleteCookies(ctx))

	cookies, err = s.Cookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)

	require.NoError(t, s.LoadCookiesFile(ctx, path, false))
	cookies, err = s.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "casper", cookies[0].Value)
}

func TestSessionFrames(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/frames"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Frame(ctx, "#inner"))
	ok, err := s.Exists(ctx, "#in-frame")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Frame(ctx, ""))
	ok, err = s.Exists(ctx, "#in-frame")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionEvaluate(t *testing.T) {
	tg := newTestGhost(t)
	s := tg.start(t, nil)
	ctx := context.Background()

	_, _, err := s.Open(ctx, tg.url("/html"), nil)
	require.NoError(t, err)

	res, err := s.Evaluate(ctx, "({sum: 1 + 1, title: document.querySelector('h1').textContent})", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": float64(2), "title": "Herman Melville - Moby-Dick"}, res.Value)

	_, err = s.Evaluate(ctx, "throw new Error('boom')", nil)
	assert.ErrorContains(t, err, "boom")
}
