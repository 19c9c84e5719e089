package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// IDs the default handler hands out.
const (
	BrowserContextID = "browser_context_id_0123456789"
	TargetID         = "target_id_0123456789"
	SessionID        = "session_id_0123456789"
	FrameID          = "frame_id_0123456789"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t             testing.TB
	Mux           *http.ServeMux
	ServerHTTP    *httptest.Server
	Dialer        *net.Dialer
	HTTPTransport *http.Transport
	Context       context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)

	dialer := &net.Dialer{
		Timeout:   2 * time.Second,
		KeepAlive: 10 * time.Second,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	require.NoError(t, http2.ConfigureTransport(transport))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		transport.CloseIdleConnections()
		server.Close()
		cancel()
	})
	s := &Server{
		t:             t,
		Mux:           mux,
		ServerHTTP:    server,
		Dialer:        dialer,
		HTTPTransport: transport,
		Context:       ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WSURL returns the WebSocket URL of a handler path.
func (s *Server) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// Recorder records the methods of the commands a CDP handler receives.
type Recorder struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (r *Recorder) record(m cdproto.MethodType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, m)
}

// Methods returns the recorded methods in the order they were received.
func (r *Recorder) Methods() []cdproto.MethodType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cdproto.MethodType(nil), r.methods...)
}

// Has returns whether m was received.
func (r *Recorder) Has(m string) bool {
	for _, rm := range r.Methods() {
		if string(rm) == m {
			return true
		}
	}
	return false
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// Give the client time to start reading, then drop the connection
		// without a close message exchange.
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CDPHandler answers a CDP message by writing to writeCh.
type CDPHandler func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// WithCDPHandler attaches a custom CDP handler function to Server.
func WithCDPHandler(path string, fn CDPHandler, cmdsReceived *Recorder) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			read := func(conn *websocket.Conn) (*cdproto.Message, error) {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return nil, err
				}

				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return nil, err
				}

				return &msg, nil
			}

			for {
				msg, err := read(conn)
				if err != nil {
					close(done)
					return
				}

				if msg.Method != "" && cmdsReceived != nil {
					cmdsReceived.record(msg.Method)
				}

				fn(conn, msg, writeCh, done)
			}
		}()

		write := func(conn *websocket.Conn, msg *cdproto.Message) {
			encoder := jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				return
			}

			writer, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := encoder.DumpTo(writer); err != nil {
				return
			}
			_ = writer.Close()
		}

		for {
			select {
			case msg := <-writeCh:
				write(conn, &msg)
			case <-done:
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Reply answers msg with a raw JSON result.
func Reply(writeCh chan cdproto.Message, done chan struct{}, msg *cdproto.Message, result string) {
	Send(writeCh, done, cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	})
}

// Emit sends an event to a session.
func Emit(writeCh chan cdproto.Message, done chan struct{}, sessionID, method, params string) {
	Send(writeCh, done, cdproto.Message{
		SessionID: target.SessionID(sessionID),
		Method:    cdproto.MethodType(method),
		Params:    easyjson.RawMessage(params),
	})
}

// Send writes msg unless the connection is gone.
func Send(writeCh chan cdproto.Message, done chan struct{}, msg cdproto.Message) {
	select {
	case writeCh <- msg:
	case <-done:
	}
}

// CDPDefaultHandler is a default handler for the CDP WS server. It answers
// the commands that open a page, and every other command with an empty
// result.
func CDPDefaultHandler(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	const (
		browserGetVersionResult = `{
			"protocolVersion": "1.3",
			"product": "HeadlessChrome/120.0.6099.0",
			"revision": "@0",
			"userAgent": "Mozilla/5.0 HeadlessChrome/120.0.6099.0",
			"jsVersion": "12.0"
		}`
		createBrowserContextResult = `{"browserContextId":"` + BrowserContextID + `"}`
		createTargetResult         = `{"targetId":"` + TargetID + `"}`
		attachToTargetResult       = `{"sessionId":"` + SessionID + `"}`
		getFrameTreeResult         = `{
			"frameTree": {
				"frame": {
					"id": "` + FrameID + `",
					"loaderId": "loader_id_0123456789",
					"url": "about:blank",
					"securityOrigin": "://",
					"mimeType": "text/html"
				}
			}
		}`
	)

	switch msg.Method {
	case "Browser.getVersion":
		Reply(writeCh, done, msg, browserGetVersionResult)
	case "Target.createBrowserContext":
		Reply(writeCh, done, msg, createBrowserContextResult)
	case "Target.createTarget":
		Reply(writeCh, done, msg, createTargetResult)
	case "Target.attachToTarget":
		Reply(writeCh, done, msg, attachToTargetResult)
	case "Page.getFrameTree":
		Reply(writeCh, done, msg, getFrameTreeResult)
	default:
		Reply(writeCh, done, msg, "{}")
	}
}
