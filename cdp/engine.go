package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/log"
)

// ErrEngineClosed is returned by the operations of a closed engine.
var ErrEngineClosed = errors.New("engine closed")

const disposeTimeout = 5 * time.Second

var _ api.Engine = &Engine{}

// navigateResult reports the outcome of a Page.navigate command run off
// the event loop.
type navigateResult struct {
	url string
	err error
}

// Engine is a page in its own browser context. Events of the page are
// queued by the connection and dispatched to the handler only from
// ProcessEvents and Evaluate, on the caller's goroutine.
type Engine struct {
	client *Client
	logger *log.Logger
	opts   api.EngineOptions

	ctx    context.Context
	cancel context.CancelFunc

	browserContextID string
	sessionID        target.SessionID
	sctx             context.Context
	queue            *eventQueue
	handler          api.EngineHandler

	mainFrame    cdp.FrameID
	currentFrame cdp.FrameID
	frames       map[cdp.FrameID]string
	contexts     map[cdp.FrameID]runtime.ExecutionContextID

	replies map[network.RequestID][]*reply
	byID    map[api.ReplyID]network.RequestID

	override    *api.LoadRequest
	loading     bool
	loadStarted bool
	navFailed   bool
	closed      bool
}

// NewEngine creates a page in a new browser context of the browser client.
func NewEngine(ctx context.Context, client *Client, logger *log.Logger, opts *api.EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = &api.EngineOptions{JavaScriptEnabled: true, DownloadImages: true, CacheEnabled: true}
	}

	ectx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client: client,
		logger: logger,
		opts:   *opts,
		ctx:    ectx,
		cancel: cancel,
	}
	if err := e.attach(ctx, proxyServer(opts.Proxy)); err != nil {
		cancel()
		return nil, err
	}

	return e, nil
}

// attach creates the browser context and page target and prepares the
// page's domains.
func (e *Engine) attach(ctx context.Context, proxy string) error {
	bctxID, err := e.client.Target.CreateBrowserContext(ctx, proxy)
	if err != nil {
		return err
	}
	tid, err := e.client.Target.CreateTarget(ctx, "about:blank", bctxID)
	if err != nil {
		return err
	}
	sid, err := e.client.Target.AttachToTarget(ctx, tid)
	if err != nil {
		return err
	}

	e.browserContextID = bctxID
	e.sessionID = target.SessionID(sid)
	e.sctx = withSessionID(e.ctx, sid)
	e.queue = e.client.subscribe(e.sessionID)
	e.frames = make(map[cdp.FrameID]string)
	e.contexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
	e.replies = make(map[network.RequestID][]*reply)
	e.byID = make(map[api.ReplyID]network.RequestID)

	e.logger.Debugf("Engine:attach", "bctxid:%s tid:%s sid:%s proxy:%q", bctxID, tid, sid, proxy)

	if err := e.initDomains(withSessionID(ctx, sid)); err != nil {
		return err
	}

	tree, err := e.client.Page.FrameTree(withSessionID(ctx, sid))
	if err != nil {
		return err
	}
	e.mainFrame = tree.Frame.ID
	e.currentFrame = tree.Frame.ID
	e.frames[tree.Frame.ID] = tree.Frame.URL

	return nil
}

func (e *Engine) initDomains(ctx context.Context) error {
	ctx = cdp.WithExecutor(ctx, e.client)

	if err := e.client.Page.Enable(ctx); err != nil {
		return err
	}
	if err := runtime.Enable().Do(ctx); err != nil {
		return errors.Wrap(err, "enabling runtime CDP domain")
	}
	if err := network.Enable().Do(ctx); err != nil {
		return errors.Wrap(err, "enabling network CDP domain")
	}
	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
	if err := fetch.Enable().WithHandleAuthRequests(true).WithPatterns(patterns).Do(ctx); err != nil {
		return errors.Wrap(err, "enabling fetch CDP domain")
	}
	if err := security.SetOverrideCertificateErrors(true).Do(ctx); err != nil {
		e.logger.Debugf("Engine:initDomains", "certificate errors can't be overridden, ignore:%t: %v",
			e.opts.IgnoreSSLErrors, err)
		if err := security.SetIgnoreCertificateErrors(e.opts.IgnoreSSLErrors).Do(ctx); err != nil {
			return errors.Wrap(err, "setting certificate errors policy")
		}
	}
	if e.opts.UserAgent != "" {
		if err := emulation.SetUserAgentOverride(e.opts.UserAgent).Do(ctx); err != nil {
			return errors.Wrap(err, "setting user agent")
		}
	}
	if e.opts.ViewportWidth > 0 && e.opts.ViewportHeight > 0 {
		action := emulation.SetDeviceMetricsOverride(int64(e.opts.ViewportWidth), int64(e.opts.ViewportHeight), 1, false)
		if err := action.Do(ctx); err != nil {
			return errors.Wrap(err, "setting viewport size")
		}
	}
	if !e.opts.JavaScriptEnabled {
		if err := emulation.SetScriptExecutionDisabled(true).Do(ctx); err != nil {
			return errors.Wrap(err, "disabling JavaScript")
		}
	}
	if err := network.SetCacheDisabled(!e.opts.CacheEnabled).Do(ctx); err != nil {
		return errors.Wrap(err, "setting cache policy")
	}

	return nil
}

// SetHandler sets the receiver of the engine's events.
func (e *Engine) SetHandler(h api.EngineHandler) {
	e.handler = h
}

// Load starts navigating the main frame. The navigation outcome is reported
// through the handler.
func (e *Engine) Load(_ context.Context, req *api.LoadRequest) error {
	if err := e.check(); err != nil {
		return err
	}

	e.override = nil
	if (req.Method != "" && req.Method != "GET") || len(req.Body) > 0 || len(req.Headers) > 0 {
		e.override = req
	}
	e.loadStarted = false
	e.navFailed = false

	e.logger.Debugf("Engine:Load", "sid:%s method:%s url:%q", e.sessionID, req.Method, req.URL)

	sctx, q, url := e.sctx, e.queue, req.URL
	go func() {
		_, err := e.client.Page.Navigate(sctx, url, "")
		q.push(&Event{Data: &navigateResult{url: url, err: err}})
	}()

	return nil
}

// ProcessEvents dispatches the queued events, waiting up to maxWait for
// one if none is queued.
func (e *Engine) ProcessEvents(ctx context.Context, maxWait time.Duration) error {
	if err := e.check(); err != nil {
		return err
	}

	if n, err := e.dispatchQueued(); n > 0 || err != nil {
		return err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	if err := e.queue.wait(ctx, timer.C); err != nil {
		return err
	}

	_, err := e.dispatchQueued()
	return err
}

// Evaluate runs script in the current frame and returns its value decoded
// from JSON.
func (e *Engine) Evaluate(ctx context.Context, script string) (any, error) {
	obj, err := e.evaluate(ctx, script, true)
	if err != nil {
		return nil, err
	}
	if obj == nil || len(obj.Value) == 0 || obj.Type == runtime.TypeUndefined {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, errors.Wrap(err, "decoding evaluation result")
	}

	return v, nil
}

// evaluate runs script while dispatching the events it causes, so dialogs
// it raises are resolved before it returns.
func (e *Engine) evaluate(ctx context.Context, script string, byValue bool) (*runtime.RemoteObject, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	action := runtime.Evaluate(script).
		WithReturnByValue(byValue).
		WithAwaitPromise(true).
		WithUserGesture(true)
	if e.currentFrame != e.mainFrame {
		id, ok := e.contexts[e.currentFrame]
		if !ok {
			return nil, errors.Errorf("frame %s has no execution context", e.currentFrame)
		}
		action = action.WithContextID(id)
	}

	type result struct {
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
		err error
	}
	cctx, cancel := context.WithCancel(withSessionID(ctx, string(e.sessionID)))
	defer cancel()
	resCh := make(chan result, 1)
	go func() {
		obj, exc, err := action.Do(cdp.WithExecutor(cctx, e.client))
		resCh <- result{obj, exc, err}
	}()

	for {
		select {
		case r := <-resCh:
			switch {
			case r.err != nil:
				return nil, errors.Wrap(r.err, "evaluating script")
			case r.exc != nil:
				return nil, errors.Errorf("evaluating script: %s", exceptionText(r.exc))
			}
			return r.obj, nil
		case <-e.queue.notify:
			if _, err := e.dispatchQueued(); err != nil {
				return nil, err
			}
		case <-e.client.Done():
			return nil, e.client.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck
		}
	}
}

// SetFrame makes the iframe matching selector the current frame. An empty
// selector goes back to the main frame.
func (e *Engine) SetFrame(ctx context.Context, selector string) error {
	if selector == "" {
		e.currentFrame = e.mainFrame
		return nil
	}

	objID, err := e.querySelector(ctx, selector)
	if err != nil {
		return err
	}
	node, err := dom.DescribeNode().WithObjectID(objID).Do(e.exec(ctx))
	if err != nil {
		return errors.Wrapf(err, "describing %q", selector)
	}
	if node.FrameID == "" {
		return errors.Errorf("%q is not a frame", selector)
	}
	e.currentFrame = node.FrameID

	return nil
}

// FrameURL returns the URL of the current frame.
func (e *Engine) FrameURL(context.Context) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	return e.frames[e.currentFrame], nil
}

// Content returns the serialized DOM of the current frame.
func (e *Engine) Content(ctx context.Context) (string, error) {
	v, err := e.Evaluate(ctx, `document.documentElement ? document.documentElement.outerHTML : ""`)
	if err != nil {
		return "", err
	}
	html, _ := v.(string)
	return html, nil
}

// SetInputFiles selects files in the file input matching selector.
func (e *Engine) SetInputFiles(ctx context.Context, selector string, files []string) error {
	objID, err := e.querySelector(ctx, selector)
	if err != nil {
		return err
	}
	if err := dom.SetFileInputFiles(files).WithObjectID(objID).Do(e.exec(ctx)); err != nil {
		return errors.Wrapf(err, "setting files of %q", selector)
	}
	return nil
}

// SetCacheEnabled toggles the page's HTTP cache.
func (e *Engine) SetCacheEnabled(ctx context.Context, enabled bool) error {
	if err := network.SetCacheDisabled(!enabled).Do(e.exec(ctx)); err != nil {
		return errors.Wrap(err, "setting cache policy")
	}
	e.opts.CacheEnabled = enabled
	return nil
}

// SetUserAgent overrides the user agent of later requests.
func (e *Engine) SetUserAgent(ctx context.Context, ua string) error {
	if err := emulation.SetUserAgentOverride(ua).Do(e.exec(ctx)); err != nil {
		return errors.Wrap(err, "setting user agent")
	}
	e.opts.UserAgent = ua
	return nil
}

// SetViewportSize resizes the page's viewport.
func (e *Engine) SetViewportSize(ctx context.Context, width, height int) error {
	action := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false)
	if err := action.Do(e.exec(ctx)); err != nil {
		return errors.Wrap(err, "setting viewport size")
	}
	e.opts.ViewportWidth, e.opts.ViewportHeight = width, height
	return nil
}

// SetProxy moves the page to a new browser context routed through p. The
// current document and its in-flight replies are dropped.
func (e *Engine) SetProxy(ctx context.Context, p *api.Proxy) error {
	if err := e.check(); err != nil {
		return err
	}

	oldBctx, oldSession := e.browserContextID, e.sessionID
	e.destroyAll()
	if err := e.attach(ctx, proxyServer(p)); err != nil {
		return err
	}
	e.opts.Proxy = p
	e.client.unsubscribe(oldSession)
	if err := e.client.Target.DisposeBrowserContext(ctx, oldBctx); err != nil {
		e.logger.Debugf("Engine:SetProxy", "bctxid:%s: %v", oldBctx, err)
	}

	return nil
}

// Close disposes of the page's browser context. Later calls are no-ops.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.destroyAll()
	e.client.unsubscribe(e.sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	err := e.client.Target.DisposeBrowserContext(ctx, e.browserContextID)
	e.cancel()

	select {
	case <-e.client.Done():
		return nil
	default:
	}
	return err
}

func (e *Engine) check() error {
	switch {
	case e.closed:
		return ErrEngineClosed
	case e.handler == nil:
		return errors.New("engine has no handler")
	}
	select {
	case <-e.client.Done():
		return e.client.closedErr()
	default:
	}
	return nil
}

func (e *Engine) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(withSessionID(ctx, string(e.sessionID)), e.client)
}

func (e *Engine) querySelector(ctx context.Context, selector string) (runtime.RemoteObjectID, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", errors.Wrap(err, "encoding selector")
	}
	obj, err := e.evaluate(ctx, fmt.Sprintf("document.querySelector(%s)", sel), false)
	if err != nil {
		return "", err
	}
	if obj == nil || obj.ObjectID == "" {
		return "", errors.Errorf("no element matches %q", selector)
	}
	return obj.ObjectID, nil
}

// dispatchQueued hands the queued events to the handler. When a handler
// fails, the events after the failing one stay queued.
func (e *Engine) dispatchQueued() (int, error) {
	evs := e.queue.drain()
	for i, ev := range evs {
		if err := e.dispatch(ev); err != nil {
			e.queue.requeue(evs[i+1:])
			return i + 1, err
		}
	}
	return len(evs), nil
}

func (e *Engine) dispatch(ev *Event) error {
	switch ev := ev.Data.(type) {
	case *navigateResult:
		e.onNavigateResult(ev)
	case *page.EventFrameStartedLoading:
		if ev.FrameID == e.mainFrame {
			e.loading, e.loadStarted, e.navFailed = true, true, false
			e.handler.LoadStarted()
		}
	case *page.EventFrameStoppedLoading:
		if ev.FrameID == e.mainFrame && e.loading {
			e.loading = false
			e.handler.LoadFinished(!e.navFailed)
		}
	case *page.EventFrameNavigated:
		e.frames[ev.Frame.ID] = ev.Frame.URL + ev.Frame.URLFragment
		if ev.Frame.ParentID == "" {
			e.mainFrame = ev.Frame.ID
		}
	case *page.EventNavigatedWithinDocument:
		e.frames[ev.FrameID] = ev.URL
	case *page.EventFrameDetached:
		delete(e.frames, ev.FrameID)
		delete(e.contexts, ev.FrameID)
		if e.currentFrame == ev.FrameID {
			e.currentFrame = e.mainFrame
		}
	case *page.EventJavascriptDialogOpening:
		return e.onDialog(ev)
	case *page.EventDownloadWillBegin:
		e.onDownload(ev.URL)
	case *runtime.EventExecutionContextCreated:
		aux := gjson.ParseBytes(ev.Context.AuxData)
		if aux.Get("isDefault").Bool() {
			e.contexts[cdp.FrameID(aux.Get("frameId").String())] = ev.Context.ID
		}
	case *runtime.EventExecutionContextDestroyed:
		for fid, id := range e.contexts {
			if id == ev.ExecutionContextID {
				delete(e.contexts, fid)
			}
		}
	case *runtime.EventExecutionContextsCleared:
		e.contexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
	case *inspector.EventTargetCrashed:
		e.onGone("crashed")
	case *target.EventDetachedFromTarget:
		e.onGone("detached")
	default:
		return e.dispatchNetwork(ev)
	}
	return nil
}

func (e *Engine) onNavigateResult(ev *navigateResult) {
	if ev.err == nil {
		return
	}
	e.logger.Debugf("Engine:onNavigateResult", "sid:%s url:%q: %v", e.sessionID, ev.url, ev.err)
	if !e.loadStarted {
		e.loading = false
		e.handler.LoadFinished(false)
	}
}

// onDialog resolves a JavaScript dialog through the handler. A handler
// error dismisses the dialog and is returned.
func (e *Engine) onDialog(ev *page.EventJavascriptDialogOpening) error {
	var (
		accept = true
		text   string
		err    error
	)
	switch ev.Type {
	case page.DialogTypeAlert:
		e.handler.Alert(ev.Message)
	case page.DialogTypeConfirm:
		accept, err = e.handler.Confirm(ev.Message)
	case page.DialogTypePrompt:
		text, accept, err = e.handler.Prompt(ev.Message, ev.DefaultPrompt)
	case page.DialogTypeBeforeunload:
	}
	if err != nil {
		accept, text = false, ""
	}

	if herr := e.client.Page.HandleDialog(e.sctx, accept, text); herr != nil {
		e.logger.Debugf("Engine:onDialog", "sid:%s type:%s: %v", e.sessionID, ev.Type, herr)
	}

	return err
}

// onGone drops every reply of a page whose target went away.
func (e *Engine) onGone(reason string) {
	e.logger.Warnf("Engine:onGone", "sid:%s page %s", e.sessionID, reason)
	e.destroyAll()
	if e.loading {
		e.loading = false
		e.handler.LoadFinished(false)
	}
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

// proxyServer renders p as a browser context proxy server. An empty string
// keeps the browser's proxy settings.
func proxyServer(p *api.Proxy) string {
	if p == nil {
		return ""
	}
	switch p.Type {
	case api.ProxyDefault, "":
		return ""
	case api.ProxyNone:
		return "direct://"
	default:
		return string(p.Type) + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
}
