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
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common/js"
	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/metrics"
	"github.com/grafana/ghost/storage"
	"github.com/grafana/ghost/trace"
)

// Ensure Session implements the api.EngineHandler interface.
var _ api.EngineHandler = &Session{}

// ActionOptions control actions that may trigger a page load.
type ActionOptions struct {
	// ExpectLoading makes the action wait for the page load it triggers.
	ExpectLoading bool `js:"expectLoading"`
	// Timeout bounds the page load wait. Zero uses the session default.
	Timeout time.Duration `js:"timeout"`
}

// ActionResult is the outcome of an action.
type ActionResult struct {
	// Value is the value of the script the action evaluated.
	Value any
	// Page is the loaded page resource, when the action expected loading.
	Page      *HTTPResource
	Resources []*HTTPResource
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Tracer  *trace.Tracer
	FS      afero.Fs
	// OnClose is called once when the session closes.
	OnClose func(*Session)
}

// Session drives one engine page synchronously. A session is owned by a
// single goroutine; engine events are handled on it while it waits.
type Session struct {
	id     string
	engine api.Engine
	opts   *SessionOptions

	logger    *log.Logger
	metrics   *metrics.Metrics
	tracer    *trace.Tracer
	fs        afero.Fs
	persister storage.FilePersister
	onClose   func(*Session)

	timeouts *TimeoutSettings
	registry *RequestRegistry
	dialogs  *dialogState
	waiter   *Waiter

	loaded        bool
	loadStartedAt time.Time
	resources     []*HTTPResource

	auth         *api.Credentials
	authAttempts int
	proxy        *api.Proxy

	closed bool
}

// NewSession creates a session driving engine.
func NewSession(engine api.Engine, opts *SessionOptions, deps SessionDeps) (*Session, error) {
	if opts == nil {
		opts = NewSessionOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating session options: %w", err)
	}
	exclude, err := opts.excludePattern()
	if err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = log.NewNullLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = trace.NewNoopTracer()
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}

	s := &Session{
		id:        uuid.New().String(),
		engine:    engine,
		opts:      opts,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		fs:        deps.FS,
		persister: &storage.FSPersister{FS: deps.FS},
		onClose:   deps.OnClose,
		timeouts:  NewTimeoutSettings(nil),
		dialogs:   newDialogState(deps.Logger),
		loaded:    true,
	}
	s.timeouts.setDefaultTimeout(opts.WaitTimeout)
	s.registry = NewRequestRegistry(deps.Logger, exclude, s.addResource, deps.Metrics)
	s.registry.SetAborter(engine)
	s.waiter = &Waiter{
		Pump:     engine.ProcessEvents,
		Callback: opts.WaitCallback,
		InFlight: s.registry.InFlight,
		Logger:   deps.Logger,
	}
	engine.SetHandler(s)

	s.logger.Debugf("Session:New", "sid:%s", s.id)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Loaded reports whether the main frame has finished loading.
func (s *Session) Loaded() bool {
	return s.loaded
}

// InFlight returns the number of requests that have not finished.
func (s *Session) InFlight() int {
	return s.registry.InFlight()
}

// Open loads address in the main frame. Unless opts.Wait is false, it waits
// for the page to load and returns the page resource and every resource
// loaded since the last release.
func (s *Session) Open(
	ctx context.Context, address string, opts *OpenOptions,
) (_ *HTTPResource, _ []*HTTPResource, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	if opts == nil {
		opts = NewOpenOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	req, err := opts.loadRequest(address)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Infof("Session:Open", "Opening %s", address)

	s.tracer.TraceNavigation(ctx, s.id, req.URL)
	ctx, span := s.tracer.TraceAPICall(ctx, s.id, "open")
	defer func() { trace.EndWithError(span, err) }()

	if opts.UserAgent != "" {
		if err := s.engine.SetUserAgent(ctx, opts.UserAgent); err != nil {
			return nil, nil, fmt.Errorf("setting user agent: %w", err)
		}
	}
	if opts.UseCache {
		s.logger.Debugf("Session:Open", "Using disk cache")
	} else {
		s.logger.Debugf("Session:Open", "Not using disk cache")
	}
	if err := s.engine.SetCacheEnabled(ctx, opts.UseCache); err != nil {
		return nil, nil, fmt.Errorf("setting cache mode: %w", err)
	}

	s.auth = opts.Auth
	s.authAttempts = 0

	if opts.DefaultPopupResponse != nil {
		confirm, prompt := s.dialogs.confirmExpected, s.dialogs.promptExpected
		s.dialogs.confirmExpected = opts.DefaultPopupResponse
		s.dialogs.promptExpected = opts.DefaultPopupResponse
		defer func() {
			s.dialogs.confirmExpected, s.dialogs.promptExpected = confirm, prompt
		}()
	}

	s.loaded = false
	s.loadStartedAt = time.Now()
	if err := s.engine.Load(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("loading %q: %w", req.URL, err)
	}

	if !opts.Wait {
		return nil, nil, nil
	}

	return s.WaitForPageLoaded(ctx, opts.Timeout)
}

// WaitForPageLoaded waits until the main frame has loaded and no request is
// in flight. It returns the resource of the current frame URL, if captured,
// and every resource loaded since the last release.
func (s *Session) WaitForPageLoaded(
	ctx context.Context, timeout time.Duration,
) (_ *HTTPResource, _ []*HTTPResource, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	ctx, span := s.tracer.TraceAPICall(ctx, s.id, "wait_for_page_loaded")
	defer func() { trace.EndWithError(span, err) }()

	settled := func() (bool, error) {
		return s.loaded && s.registry.InFlight() == 0, nil
	}
	if err := s.waitFor(ctx, "wait_for_page_loaded", settled,
		"Unable to load requested page", s.timeouts.resolve(timeout, true)); err != nil {
		return nil, nil, err
	}

	resources := s.releaseResources()

	url, err := s.engine.FrameURL(ctx)
	if err != nil {
		return nil, resources, fmt.Errorf("getting frame url: %w", err)
	}
	urlWithoutHash := strings.SplitN(url, "#", 2)[0]

	var page *HTTPResource
	for _, r := range resources {
		if r.URL == url || r.URL == urlWithoutHash {
			page = r
		}
	}

	if !s.loadStartedAt.IsZero() {
		s.metrics.ObservePageLoad(time.Since(s.loadStartedAt).Seconds())
		s.loadStartedAt = time.Time{}
	}
	s.logger.Infof("Session:WaitForPageLoaded", "Page loaded %s", url)

	return page, resources, nil
}

// WaitForSelector waits until selector matches an element of the current
// frame.
func (s *Session) WaitForSelector(
	ctx context.Context, selector string, timeout time.Duration,
) (bool, []*HTTPResource, error) {
	return s.waitAndRelease(ctx, "wait_for_selector", func() (bool, error) {
		return s.Exists(ctx, selector)
	}, fmt.Sprintf("Can't find element matching %q", selector), timeout)
}

// WaitWhileSelector waits until selector no longer matches an element of the
// current frame.
func (s *Session) WaitWhileSelector(
	ctx context.Context, selector string, timeout time.Duration,
) (bool, []*HTTPResource, error) {
	return s.waitAndRelease(ctx, "wait_while_selector", func() (bool, error) {
		ok, err := s.Exists(ctx, selector)
		return !ok, err
	}, fmt.Sprintf("Element matching %q is still available", selector), timeout)
}

// WaitForText waits until text appears in the current frame's content.
func (s *Session) WaitForText(
	ctx context.Context, text string, timeout time.Duration,
) (bool, []*HTTPResource, error) {
	return s.waitAndRelease(ctx, "wait_for_text", func() (bool, error) {
		content, err := s.engine.Content(ctx)
		if err != nil {
			return false, fmt.Errorf("getting content: %w", err)
		}
		return strings.Contains(content, text), nil
	}, fmt.Sprintf("Can't find %q in current frame", text), timeout)
}

// WaitForAlert waits for an alert and returns its message.
func (s *Session) WaitForAlert(
	ctx context.Context, timeout time.Duration,
) (_ string, _ []*HTTPResource, err error) {
	if err := s.checkOpen(); err != nil {
		return "", nil, err
	}

	ctx, span := s.tracer.TraceAPICall(ctx, s.id, "wait_for_alert")
	defer func() { trace.EndWithError(span, err) }()

	alerted := func() (bool, error) {
		return s.dialogs.alert.Valid, nil
	}
	if err := s.waitFor(ctx, "wait_for_alert", alerted,
		"User has not been alerted.", s.timeouts.resolve(timeout, false)); err != nil {
		return "", nil, err
	}
	msg, _ := s.dialogs.takeAlert()

	return msg, s.releaseResources(), nil
}

// WaitFor waits until condition holds. On timeout it returns a
// *TimeoutError carrying message.
func (s *Session) WaitFor(
	ctx context.Context, condition func() (bool, error), message string, timeout time.Duration,
) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.waitFor(ctx, "wait_for", condition, message, s.timeouts.resolve(timeout, false))
}

// Sleep processes engine events for d.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.waiter.Sleep(ctx, d)
}

func (s *Session) waitAndRelease(
	ctx context.Context, op string, condition func() (bool, error), message string, timeout time.Duration,
) (_ bool, _ []*HTTPResource, err error) {
	if err := s.checkOpen(); err != nil {
		return false, nil, err
	}

	ctx, span := s.tracer.TraceAPICall(ctx, s.id, op)
	defer func() { trace.EndWithError(span, err) }()

	if err := s.waitFor(ctx, op, condition, message, s.timeouts.resolve(timeout, false)); err != nil {
		return false, nil, err
	}

	return true, s.releaseResources(), nil
}

func (s *Session) waitFor(
	ctx context.Context, op string, condition func() (bool, error), message string, timeout time.Duration,
) error {
	err := s.waiter.WaitFor(ctx, condition, message, timeout)
	if IsTimeout(err) {
		s.metrics.WaitTimeout(op)
	}
	return err
}

// Evaluate evaluates script in the current frame.
func (s *Session) Evaluate(ctx context.Context, script string, opts *ActionOptions) (*ActionResult, error) {
	return s.act(ctx, "evaluate", opts, func() (any, error) {
		return s.evaluate(ctx, script)
	})
}

// EvaluateJSFile evaluates the script file at path. encoding defaults to
// utf-8.
func (s *Session) EvaluateJSFile(
	ctx context.Context, path, encoding string, opts *ActionOptions,
) (*ActionResult, error) {
	b, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	if encoding == "" {
		encoding = "utf-8"
	}
	script, ok := decode(encoding, b)
	if !ok {
		return nil, fmt.Errorf("decoding script %q as %s", path, encoding)
	}
	return s.Evaluate(ctx, script, opts)
}

// Exists reports whether selector matches an element of the current frame.
func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	v, err := s.invoke(ctx, js.ExistsScript, selector)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// GlobalExists reports whether a JavaScript global is defined.
func (s *Session) GlobalExists(ctx context.Context, name string) (bool, error) {
	v, err := s.invoke(ctx, js.GlobalExistsScript, name)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Click clicks the element matching selector with the mouse button
// (0 left, 1 middle, 2 right).
func (s *Session) Click(
	ctx context.Context, selector string, button int, opts *ActionOptions,
) (*ActionResult, error) {
	ok, err := s.Exists(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, preconditionf("Can't find element to click")
	}
	return s.act(ctx, "click", opts, func() (any, error) {
		return s.invoke(ctx, js.ClickScript, selector, button)
	})
}

// Fire dispatches the event named event on the element matching selector.
func (s *Session) Fire(ctx context.Context, selector, event string, opts *ActionOptions) (*ActionResult, error) {
	s.logger.Debugf("Session:Fire", "Fire `%s` on `%s`", event, selector)

	ok, err := s.Exists(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, preconditionf("Can't find element matching %q", selector)
	}
	return s.act(ctx, "fire", opts, func() (any, error) {
		return s.invoke(ctx, js.FireScript, selector, event)
	})
}

// Call calls method on the element matching selector.
func (s *Session) Call(ctx context.Context, selector, method string, opts *ActionOptions) (*ActionResult, error) {
	s.logger.Debugf("Session:Call", "Calling `%s` method on `%s`", method, selector)

	return s.act(ctx, "call", opts, func() (any, error) {
		v, err := s.invoke(ctx, js.CallScript, selector, method)
		if err != nil {
			return nil, err
		}
		res, _ := v.(map[string]any)
		if found, _ := res["found"].(bool); !found {
			return nil, preconditionf("Can't find element matching %q", selector)
		}
		return res["result"], nil
	})
}

// Fill sets the fields of the form matching selector. values maps field
// names to values.
func (s *Session) Fill(
	ctx context.Context, selector string, values map[string]any, opts *ActionOptions,
) (*ActionResult, error) {
	ok, err := s.Exists(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, preconditionf("Can't find form")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var resources []*HTTPResource
	res, err := s.act(ctx, "fill", opts, func() (any, error) {
		for _, name := range names {
			field := fmt.Sprintf("%s [name=%q]", selector, name)
			r, err := s.SetFieldValue(ctx, field, values[name], true, nil)
			if err != nil {
				return nil, err
			}
			resources = append(resources, r.Resources...)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	res.Resources = append(resources, res.Resources...)

	return res, nil
}

// SetFieldValue sets the value of the form field matching selector and
// fires its input and change events. blur removes the focus afterwards.
// Checkbox groups and radios select the element whose value is value, a
// single checkbox is checked when value is true, file inputs take a path.
func (s *Session) SetFieldValue(
	ctx context.Context, selector string, value any, blur bool, opts *ActionOptions,
) (*ActionResult, error) {
	s.logger.Debugf("Session:SetFieldValue", "Setting value \"%v\" for \"%s\"", value, selector)

	return s.act(ctx, "set_field_value", opts, func() (any, error) {
		v, err := s.invoke(ctx, js.SetFieldValueScript, selector, value, blur)
		if err != nil {
			return nil, err
		}
		switch status, _ := v.(string); status {
		case "ok":
			return nil, nil
		case "missing":
			return nil, preconditionf("can't find element for %s", selector)
		case "file":
			return nil, s.setFileValue(ctx, selector, value, blur)
		default:
			return nil, preconditionf("unsupported field tag")
		}
	})
}

func (s *Session) setFileValue(ctx context.Context, selector string, value any, blur bool) error {
	path, ok := value.(string)
	if !ok {
		return preconditionf("file field %s needs a path, got %T", selector, value)
	}
	if err := s.engine.SetInputFiles(ctx, selector, []string{path}); err != nil {
		return fmt.Errorf("setting input files of %q: %w", selector, err)
	}
	for _, event := range []string{"input", "change"} {
		if _, err := s.invoke(ctx, js.FireScript, selector, event); err != nil {
			return err
		}
	}
	if blur {
		if _, err := s.invoke(ctx, js.CallScript, selector, "blur"); err != nil {
			return err
		}
	}
	return nil
}

// ScrollToAnchor scrolls the current frame to the element with the given
// id or name.
func (s *Session) ScrollToAnchor(ctx context.Context, anchor string) error {
	_, err := s.invoke(ctx, js.ScrollToAnchorScript, anchor)
	return err
}

// Content returns the HTML of the current frame.
func (s *Session) Content(ctx context.Context) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	content, err := s.engine.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("getting content: %w", err)
	}
	return content, nil
}

// Document parses the content of the current frame.
func (s *Session) Document(ctx context.Context) (*goquery.Document, error) {
	content, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parsing content: %w", err)
	}
	return doc, nil
}

// Frame makes the iframe matching selector the current frame. An empty
// selector returns to the main frame.
func (s *Session) Frame(ctx context.Context, selector string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.engine.SetFrame(ctx, selector); err != nil {
		return fmt.Errorf("switching to frame %q: %w", selector, err)
	}
	return nil
}

// WithConfirm answers the confirm dialogs raised while fn runs with exp. A
// nil exp confirms.
func (s *Session) WithConfirm(exp *Expectation, fn func() error) error {
	if exp == nil {
		exp = ExpectValue(true)
	}
	prev := s.dialogs.confirmExpected
	s.dialogs.confirmExpected = exp
	defer func() { s.dialogs.confirmExpected = prev }()

	return fn()
}

// WithPrompt answers the prompt dialogs raised while fn runs with exp. A nil
// exp answers with an empty string.
func (s *Session) WithPrompt(exp *Expectation, fn func() error) error {
	if exp == nil {
		exp = ExpectValue("")
	}
	prev := s.dialogs.promptExpected
	s.dialogs.promptExpected = exp
	defer func() { s.dialogs.promptExpected = prev }()

	return fn()
}

// ClearAlertMessage forgets the pending alert.
func (s *Session) ClearAlertMessage() {
	s.dialogs.takeAlert()
}

// PopupMessages returns the messages of every dialog raised so far.
func (s *Session) PopupMessages() []string {
	return append([]string(nil), s.dialogs.popupMessages...)
}

// SetUserAgent sets the user agent of the session's requests.
func (s *Session) SetUserAgent(ctx context.Context, ua string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.engine.SetUserAgent(ctx, ua); err != nil {
		return fmt.Errorf("setting user agent: %w", err)
	}
	s.opts.UserAgent = ua
	return nil
}

// SetViewportSize resizes the viewport.
func (s *Session) SetViewportSize(ctx context.Context, width, height int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	vp := &Viewport{Width: width, Height: height}
	if err := vp.Validate(); err != nil {
		return err
	}
	if err := s.engine.SetViewportSize(ctx, width, height); err != nil {
		return fmt.Errorf("setting viewport size: %w", err)
	}
	s.opts.Viewport = vp
	return nil
}

// SetProxy routes the session's traffic through a proxy. Credentials, if
// set, answer proxy authentication challenges.
func (s *Session) SetProxy(ctx context.Context, typ api.ProxyType, host string, port int, user, password string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	switch typ {
	case api.ProxyNone, api.ProxyDefault, api.ProxySocks5, api.ProxyHTTPS, api.ProxyHTTP:
	default:
		return preconditionf("Unsupported proxy type %s", typ)
	}

	p := &api.Proxy{Type: typ, Host: host, Port: port, Username: user, Password: password}
	if err := s.engine.SetProxy(ctx, p); err != nil {
		return fmt.Errorf("setting proxy: %w", err)
	}
	s.proxy = p
	return nil
}

// ClearCache clears the engine's disk cache.
func (s *Session) ClearCache(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.engine.ClearCache(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Cookies returns every cookie of the engine.
func (s *Session) Cookies(ctx context.Context) ([]*api.Cookie, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cookies, err := s.engine.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}
	return cookies, nil
}

// DeleteCookies deletes every cookie.
func (s *Session) DeleteCookies(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.engine.ClearCookies(ctx); err != nil {
		return fmt.Errorf("deleting cookies: %w", err)
	}
	return nil
}

// SaveCookies stores the engine's cookies in jar.
func (s *Session) SaveCookies(ctx context.Context, jar *CookieJar) error {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return err
	}
	for _, c := range cookies {
		jar.SetCookie(c)
	}
	return nil
}

// LoadCookies sets the cookies of jar in the engine. Unless keepOld is set,
// the engine's cookies are deleted first.
func (s *Session) LoadCookies(ctx context.Context, jar *CookieJar, keepOld bool) error {
	if !keepOld {
		if err := s.DeleteCookies(ctx); err != nil {
			return err
		}
	}
	if err := s.engine.SetCookies(ctx, jar.Cookies()); err != nil {
		return fmt.Errorf("setting cookies: %w", err)
	}
	return nil
}

// SaveCookiesFile writes the engine's cookies to path in the Netscape
// cookies.txt format.
func (s *Session) SaveCookiesFile(ctx context.Context, path string) error {
	jar := NewCookieJar()
	if err := s.SaveCookies(ctx, jar); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := jar.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding cookies: %w", err)
	}
	if err := s.persister.Persist(ctx, path, &buf); err != nil {
		return fmt.Errorf("saving cookies: %w", err)
	}
	return nil
}

// LoadCookiesFile loads a Netscape cookies.txt file.
func (s *Session) LoadCookiesFile(ctx context.Context, path string, keepOld bool) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return fmt.Errorf("opening cookie file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	jar := NewCookieJar()
	if _, err := jar.ReadFrom(f); err != nil {
		return fmt.Errorf("reading cookie file %q: %w", path, err)
	}
	return s.LoadCookies(ctx, jar, keepOld)
}

// Close aborts the in-flight requests and closes the engine page.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Infof("Session:Close", "Closing session")

	s.registry.Dispose()
	s.tracer.EndSession(s.id)
	err := s.engine.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	if err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}

// LoadStarted marks the main frame as loading.
func (s *Session) LoadStarted() {
	s.logger.Debugf("Session:LoadStarted", "sid:%s", s.id)
	s.loaded = false
	if s.loadStartedAt.IsZero() {
		s.loadStartedAt = time.Now()
	}
}

// LoadFinished marks the main frame as loaded.
func (s *Session) LoadFinished(ok bool) {
	s.logger.Debugf("Session:LoadFinished", "sid:%s ok:%t", s.id, ok)
	if !ok {
		s.logger.Warnf("Session:LoadFinished", "Page load finished with errors")
	}
	s.loaded = true
}

// ReplyCreated registers a request in the session's registry.
func (s *Session) ReplyCreated(req *api.Request) (api.ReplyID, api.Disposition) {
	return s.registry.ReplyCreated(req)
}

// ReplyPartialData mirrors a chunk of a reply's body.
func (s *Session) ReplyPartialData(id api.ReplyID, chunk []byte) {
	s.registry.ReplyPartialData(id, chunk)
}

// ReplyDownloadProgress logs the progress of a reply.
func (s *Session) ReplyDownloadProgress(id api.ReplyID, received, total int64) {
	s.registry.ReplyDownloadProgress(id, received, total)
}

// ReplyError logs a reply error.
func (s *Session) ReplyError(id api.ReplyID, code int, text string) {
	s.registry.ReplyError(id, code, text)
}

// ReplyFinished captures the resource of a finished reply.
func (s *Session) ReplyFinished(id api.ReplyID, reply *api.Reply) {
	s.registry.ReplyFinished(id, reply)
}

// ReplyDestroyed forgets a reply the engine dropped.
func (s *Session) ReplyDestroyed(id api.ReplyID) {
	s.registry.ReplyDestroyed(id)
}

// UnsupportedContent logs a reply the engine can't render.
func (s *Session) UnsupportedContent(id api.ReplyID) {
	s.registry.UnsupportedContent(id)
}

// SSLErrors ignores certificate errors when the session is configured to.
func (s *Session) SSLErrors(url string, errs []string) bool {
	if s.opts.IgnoreSSLErrors {
		s.logger.Debugf("Session:SSLErrors", "ignoring url:%q errors:%v", url, errs)
		return true
	}
	s.logger.Warnf("Session:SSLErrors", "SSL certificate error: %s", url)
	return false
}

// AuthRequired answers an authentication challenge. Server challenges get
// the credentials of the last Open once; proxy challenges get the proxy
// credentials.
func (s *Session) AuthRequired(url string, proxy bool) *api.Credentials {
	if proxy {
		if s.proxy == nil || s.proxy.Username == "" {
			return nil
		}
		return &api.Credentials{Username: s.proxy.Username, Password: s.proxy.Password}
	}
	if s.auth == nil || s.authAttempts > 0 {
		s.logger.Debugf("Session:AuthRequired", "no credentials for url:%q attempts:%d", url, s.authAttempts)
		return nil
	}
	s.authAttempts++
	return s.auth
}

// Alert records an alert.
func (s *Session) Alert(msg string) {
	s.dialogs.Alert(msg)
}

// Confirm answers a confirm dialog from the expectation set by WithConfirm.
func (s *Session) Confirm(msg string) (bool, error) {
	return s.dialogs.Confirm(msg)
}

// Prompt answers a prompt dialog from the expectation set by WithPrompt.
func (s *Session) Prompt(msg, defaultValue string) (string, bool, error) {
	return s.dialogs.Prompt(msg, defaultValue)
}

func (s *Session) act(
	ctx context.Context, op string, opts *ActionOptions, fn func() (any, error),
) (_ *ActionResult, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ActionOptions{}
	}

	ctx, span := s.tracer.TraceAPICall(ctx, s.id, op)
	defer func() { trace.EndWithError(span, err) }()

	if !opts.ExpectLoading {
		v, err := fn()
		if err != nil {
			return nil, err
		}
		return &ActionResult{Value: v, Resources: s.releaseResources()}, nil
	}

	s.loaded = false
	s.loadStartedAt = time.Now()
	v, err := fn()
	if err != nil {
		return nil, err
	}
	page, resources, err := s.WaitForPageLoaded(ctx, opts.Timeout)
	if err != nil {
		return nil, err
	}

	return &ActionResult{Value: v, Page: page, Resources: resources}, nil
}

func (s *Session) invoke(ctx context.Context, fn string, args ...any) (any, error) {
	script, err := js.Invoke(fn, args...)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, script)
}

func (s *Session) evaluate(ctx context.Context, script string) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v, err := s.engine.Evaluate(ctx, script)
	if err != nil {
		if IsPrecondition(err) {
			return nil, err
		}
		return nil, fmt.Errorf("evaluating script: %w", err)
	}
	return v, nil
}

func (s *Session) addResource(r *HTTPResource) {
	s.resources = append(s.resources, r)
}

// releaseResources returns the resources captured since the last release
// and empties the buffer.
func (s *Session) releaseResources() []*HTTPResource {
	res := s.resources
	s.resources = nil
	return res
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}
