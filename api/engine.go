package api

import (
	"context"
	"time"

	"gopkg.in/guregu/null.v3"
)

// ReplyID identifies a network reply from its creation until it is
// finished or destroyed. IDs are never reused.
type ReplyID uint64

// Disposition tells the engine what to do with an intercepted request.
type Disposition int

const (
	// DispositionContinue dispatches the request unchanged.
	DispositionContinue Disposition = iota
	// DispositionExclude replaces the request with an empty one that
	// produces no data. The reply lifecycle is still reported.
	DispositionExclude
)

// Header is a header name and value as sent on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is an outgoing request seen at the interception point.
type Request struct {
	URL          string
	Method       string
	Headers      []Header
	ResourceType string
	// Navigation is set for the document request of the main frame.
	Navigation bool
}

// Reply is a network reply that reached a terminal state.
type Reply struct {
	URL string
	// Status is the HTTP status code, 0 when the reply carries none.
	Status     int
	StatusText string
	Headers    []Header
	// Body is the full body if the engine makes it available at completion.
	Body []byte
}

// Credentials are used to answer an authentication challenge.
type Credentials struct {
	Username string `js:"username"`
	Password string `js:"password"`
}

// Cookie is a cookie as stored by the engine.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	// Expires is in epoch seconds, null for session cookies.
	Expires null.Int
}

// ProxyType is the kind of proxy an engine routes its traffic through.
type ProxyType string

// Supported proxy types.
const (
	ProxyNone    ProxyType = "none"
	ProxyDefault ProxyType = "default"
	ProxySocks5  ProxyType = "socks5"
	ProxyHTTPS   ProxyType = "https"
	ProxyHTTP    ProxyType = "http"
)

// Proxy is the network proxy configuration of an engine.
type Proxy struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// LoadRequest describes a top level navigation.
type LoadRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// PageHandler is notified of main frame load transitions.
type PageHandler interface {
	LoadStarted()
	LoadFinished(ok bool)
}

// NetworkHandler observes the lifecycle of every network reply.
type NetworkHandler interface {
	// ReplyCreated is called before the request is dispatched.
	ReplyCreated(req *Request) (ReplyID, Disposition)
	ReplyPartialData(id ReplyID, chunk []byte)
	ReplyDownloadProgress(id ReplyID, received, total int64)
	ReplyError(id ReplyID, code int, text string)
	ReplyFinished(id ReplyID, reply *Reply)
	// ReplyDestroyed is called when the engine drops a reply. The reply may
	// or may not have finished before.
	ReplyDestroyed(id ReplyID)
	UnsupportedContent(id ReplyID)
	// SSLErrors returns true when the errors must be ignored.
	SSLErrors(url string, errs []string) bool
	// AuthRequired returns nil to cancel the challenge.
	AuthRequired(url string, proxy bool) *Credentials
}

// DialogHandler resolves modal dialogs raised by page scripts. An error
// dismisses the dialog and is returned from the engine call that was
// processing events.
type DialogHandler interface {
	Alert(msg string)
	Confirm(msg string) (bool, error)
	Prompt(msg, defaultValue string) (string, bool, error)
}

// EngineHandler receives every engine event. Handlers are only called from
// the goroutine running Engine.ProcessEvents or Engine.Evaluate.
type EngineHandler interface {
	PageHandler
	NetworkHandler
	DialogHandler
}

// EngineOptions configure a new engine.
type EngineOptions struct {
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	JavaScriptEnabled bool
	DownloadImages    bool
	PluginsEnabled    bool
	IgnoreSSLErrors   bool
	CacheEnabled      bool
	Proxy             *Proxy
}

// Engine is a single page of a rendering engine.
type Engine interface {
	// SetHandler must be called before Load.
	SetHandler(h EngineHandler)
	Load(ctx context.Context, req *LoadRequest) error
	// ProcessEvents dispatches queued events to the handler, waiting up to
	// maxWait for the first one.
	ProcessEvents(ctx context.Context, maxWait time.Duration) error
	// Evaluate runs script in the current frame and returns its JSON
	// compatible result. Events are processed while the script runs.
	Evaluate(ctx context.Context, script string) (any, error)
	// SetFrame switches the current frame to the iframe matching selector,
	// or back to the main frame when selector is empty.
	SetFrame(ctx context.Context, selector string) error
	FrameURL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	SetInputFiles(ctx context.Context, selector string, files []string) error
	Cookies(ctx context.Context) ([]*Cookie, error)
	SetCookies(ctx context.Context, cookies []*Cookie) error
	ClearCookies(ctx context.Context) error
	ClearCache(ctx context.Context) error
	SetCacheEnabled(ctx context.Context, enabled bool) error
	SetUserAgent(ctx context.Context, ua string) error
	SetViewportSize(ctx context.Context, width, height int) error
	SetProxy(ctx context.Context, p *Proxy) error
	// Abort cancels an in-flight reply.
	Abort(id ReplyID) error
	Close() error
}
