package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/tests/ws"
)

func newTestClient(t *testing.T, wsURL string) *Client {
	t.Helper()

	c := NewClient(log.NewNullLogger())
	require.NoError(t, c.Connect(context.Background(), wsURL))
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestClientExecute(t *testing.T) {
	t.Parallel()

	var cmds ws.Recorder
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, &cmds))
	c := newTestClient(t, server.WSURL("/cdp"))

	_, product, _, ua, _, err := c.Browser.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120.0.6099.0", product)
	assert.Contains(t, ua, "HeadlessChrome")

	bctxID, err := c.Target.CreateBrowserContext(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ws.BrowserContextID, bctxID)

	assert.Equal(t, []string{"Browser.getVersion", "Target.createBrowserContext"}, methods(&cmds))
}

func TestClientConnectTwice(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))
	c := newTestClient(t, server.WSURL("/cdp"))

	err := c.Connect(context.Background(), server.WSURL("/cdp"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already established")
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))
	c := newTestClient(t, server.WSURL("/cdp"))

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	default:
		t.Fatal("client should be done after close")
	}

	_, _, _, _, _, err := c.Browser.GetVersion(context.Background()) //nolint:dogsled
	require.ErrorIs(t, err, ErrClientClosed)
	require.NoError(t, c.Close(), "close is idempotent")
}

func TestClientAbnormalClosure(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))
	c := newTestClient(t, server.WSURL("/closure-abnormal"))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client should notice the dropped connection")
	}
	require.ErrorIs(t, c.Err(), ErrClientClosed)
}

func TestClientExecuteCanceled(t *testing.T) {
	t.Parallel()

	// Never answers, so the command waits for its context.
	silent := func(*websocket.Conn, *cdproto.Message, chan cdproto.Message, chan struct{}) {}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", silent, nil))
	c := newTestClient(t, server.WSURL("/cdp"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, _, _, _, err := c.Browser.GetVersion(ctx) //nolint:dogsled
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func methods(r *ws.Recorder) []string {
	var ms []string
	for _, m := range r.Methods() {
		ms = append(ms, string(m))
	}
	return ms
}
