package cdp

import (
	"context"
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/security"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/api"
)

// Error codes reported with ReplyError.
const (
	replyErrorCanceled = 5
	replyErrorOther    = 99
)

// reply tracks a request from its interception until it finishes. A
// redirect chain shares a network request ID, with one reply per hop.
type reply struct {
	id       api.ReplyID
	url      string
	document bool
	response *network.Response
	received int64
}

func (e *Engine) dispatchNetwork(ev any) error {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		e.onRequestPaused(ev)
	case *fetch.EventAuthRequired:
		e.onAuthRequired(ev)
	case *security.EventCertificateError:
		e.onCertificateError(ev)
	case *network.EventRequestWillBeSent:
		if ev.RedirectResponse != nil {
			if r := e.popReply(ev.RequestID); r != nil {
				e.finish(r, ev.RedirectResponse, nil)
			}
		}
	case *network.EventResponseReceived:
		if r := e.lastReply(ev.RequestID); r != nil {
			r.response = ev.Response
		}
	case *network.EventDataReceived:
		if r := e.lastReply(ev.RequestID); r != nil {
			r.received += ev.DataLength
			e.handler.ReplyDownloadProgress(r.id, r.received, contentLength(r.response))
		}
	case *network.EventLoadingFinished:
		if r := e.popReply(ev.RequestID); r != nil {
			e.finish(r, r.response, e.responseBody(ev.RequestID))
		}
	case *network.EventLoadingFailed:
		if r := e.popReply(ev.RequestID); r != nil {
			e.onLoadingFailed(r, ev)
		}
	}
	return nil
}

func (e *Engine) onRequestPaused(ev *fetch.EventRequestPaused) {
	nid := network.RequestID(ev.NetworkID)
	document := ev.ResourceType == network.ResourceTypeDocument && ev.FrameID == e.mainFrame
	req := &api.Request{
		URL:          ev.Request.URL + ev.Request.URLFragment,
		Method:       ev.Request.Method,
		Headers:      headersOf(ev.Request.Headers),
		ResourceType: strings.ToLower(string(ev.ResourceType)),
		Navigation:   document,
	}

	id, disposition := e.handler.ReplyCreated(req)
	ctx := cdp.WithExecutor(e.sctx, e.client)
	if disposition == api.DispositionExclude {
		// Excluded replies finish right away, whatever the browser reports
		// for the empty response.
		if err := fetch.FulfillRequest(ev.RequestID, http.StatusNoContent).Do(ctx); err != nil {
			e.logger.Debugf("Engine:onRequestPaused", "sid:%s rid:%d url:%q: %v", e.sessionID, id, req.URL, err)
		}
		e.handler.ReplyFinished(id, nil)
		return
	}
	e.replies[nid] = append(e.replies[nid], &reply{id: id, url: req.URL, document: document})
	e.byID[id] = nid

	var err error
	switch {
	case !e.opts.DownloadImages && ev.ResourceType == network.ResourceTypeImage:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	case document && e.override != nil:
		err = e.continueWithOverride(ctx, ev)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil {
		e.logger.Debugf("Engine:onRequestPaused", "sid:%s rid:%d url:%q: %v", e.sessionID, id, req.URL, err)
	}
}

// continueWithOverride sends the main document request with the method,
// body and headers of the pending load.
func (e *Engine) continueWithOverride(ctx context.Context, ev *fetch.EventRequestPaused) error {
	o := e.override
	e.override = nil

	headers := make(map[string]string)
	for k, v := range ev.Request.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	for k, v := range o.Headers {
		headers[k] = v
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, k := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: k, Value: headers[k]})
	}

	action := fetch.ContinueRequest(ev.RequestID).WithHeaders(entries)
	if o.Method != "" {
		action = action.WithMethod(o.Method)
	}
	if len(o.Body) > 0 {
		action = action.WithPostData(base64.StdEncoding.EncodeToString(o.Body))
	}

	return errors.Wrap(action.Do(ctx), "continuing request")
}

func (e *Engine) onAuthRequired(ev *fetch.EventAuthRequired) {
	proxy := ev.AuthChallenge != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy
	creds := e.handler.AuthRequired(ev.Request.URL, proxy)

	res := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
	if creds != nil {
		res = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: creds.Username,
			Password: creds.Password,
		}
	}
	if err := fetch.ContinueWithAuth(ev.RequestID, res).Do(cdp.WithExecutor(e.sctx, e.client)); err != nil {
		e.logger.Debugf("Engine:onAuthRequired", "sid:%s url:%q: %v", e.sessionID, ev.Request.URL, err)
	}
}

func (e *Engine) onCertificateError(ev *security.EventCertificateError) {
	action := security.CertificateErrorActionCancel
	if e.handler.SSLErrors(ev.RequestURL, []string{ev.ErrorType}) {
		action = security.CertificateErrorActionContinue
	}
	err := security.HandleCertificateError(ev.EventID, action).Do(cdp.WithExecutor(e.sctx, e.client))
	if err != nil {
		e.logger.Debugf("Engine:onCertificateError", "sid:%s url:%q: %v", e.sessionID, ev.RequestURL, err)
	}
}

func (e *Engine) onLoadingFailed(r *reply, ev *network.EventLoadingFailed) {
	if r.document {
		e.navFailed = true
	}
	code := replyErrorOther
	if ev.Canceled {
		code = replyErrorCanceled
	}
	e.handler.ReplyError(r.id, code, ev.ErrorText)
	e.finish(r, nil, nil)
}

// onDownload reports the document reply of a navigation that turned into a
// download.
func (e *Engine) onDownload(url string) {
	for _, rs := range e.replies {
		for _, r := range rs {
			if r.document && r.url == url {
				e.handler.UnsupportedContent(r.id)
				return
			}
		}
	}
}

func (e *Engine) finish(r *reply, res *network.Response, body []byte) {
	delete(e.byID, r.id)
	if res == nil {
		e.handler.ReplyFinished(r.id, nil)
		return
	}
	if len(body) > 0 {
		e.handler.ReplyPartialData(r.id, body)
	}
	e.handler.ReplyFinished(r.id, &api.Reply{
		URL:        res.URL,
		Status:     int(res.Status),
		StatusText: res.StatusText,
		Headers:    headersOf(res.Headers),
		Body:       body,
	})
}

func (e *Engine) responseBody(id network.RequestID) []byte {
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(e.sctx, e.client))
	if err != nil {
		e.logger.Debugf("Engine:responseBody", "sid:%s nid:%s: %v", e.sessionID, id, err)
		return nil
	}
	return body
}

func (e *Engine) popReply(id network.RequestID) *reply {
	rs := e.replies[id]
	if len(rs) == 0 {
		return nil
	}
	r := rs[0]
	if len(rs) == 1 {
		delete(e.replies, id)
	} else {
		e.replies[id] = rs[1:]
	}
	return r
}

func (e *Engine) lastReply(id network.RequestID) *reply {
	rs := e.replies[id]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

// Abort forgets an in-flight reply. Aborting the main document stops the
// page load.
func (e *Engine) Abort(id api.ReplyID) error {
	nid, ok := e.byID[id]
	if !ok {
		return errors.Errorf("unknown reply %d", id)
	}
	delete(e.byID, id)

	var document bool
	rs := e.replies[nid]
	for i, r := range rs {
		if r.id == id {
			document = r.document
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(e.replies, nid)
	} else {
		e.replies[nid] = rs
	}

	if document && !e.closed {
		return e.client.Page.StopLoading(e.sctx)
	}
	return nil
}

// destroyAll reports every tracked reply as destroyed.
func (e *Engine) destroyAll() {
	ids := make([]api.ReplyID, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e.replies = make(map[network.RequestID][]*reply)
	e.byID = make(map[api.ReplyID]network.RequestID)
	if e.handler == nil {
		return
	}
	for _, id := range ids {
		e.handler.ReplyDestroyed(id)
	}
}

// Cookies returns every cookie of the page's browser context.
func (e *Engine) Cookies(ctx context.Context) ([]*api.Cookie, error) {
	cookies, err := network.GetAllCookies().Do(e.exec(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "getting cookies")
	}

	res := make([]*api.Cookie, 0, len(cookies))
	for _, c := range cookies {
		ac := &api.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Session {
			ac.Expires = null.IntFrom(int64(c.Expires))
		}
		res = append(res, ac)
	}

	return res, nil
}

// SetCookies stores cookies in the page's browser context.
func (e *Engine) SetCookies(ctx context.Context, cookies []*api.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires.Valid {
			exp := cdp.TimeSinceEpoch(time.Unix(c.Expires.Int64, 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	if err := network.SetCookies(params).Do(e.exec(ctx)); err != nil {
		return errors.Wrap(err, "setting cookies")
	}
	return nil
}

// ClearCookies removes every cookie of the page's browser context.
func (e *Engine) ClearCookies(ctx context.Context) error {
	return errors.Wrap(network.ClearBrowserCookies().Do(e.exec(ctx)), "clearing cookies")
}

// ClearCache empties the browser's HTTP cache.
func (e *Engine) ClearCache(ctx context.Context) error {
	return errors.Wrap(network.ClearBrowserCache().Do(e.exec(ctx)), "clearing cache")
}

// headersOf flattens CDP headers into name and value pairs sorted by name.
// Values joined with newlines are split into one header each.
func headersOf(h network.Headers) []api.Header {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	var res []api.Header
	for _, k := range names {
		v, ok := h[k].(string)
		if !ok {
			continue
		}
		for _, line := range strings.Split(v, "\n") {
			res = append(res, api.Header{Name: k, Value: line})
		}
	}
	return res
}

func contentLength(res *network.Response) int64 {
	if res == nil {
		return -1
	}
	for _, h := range headersOf(res.Headers) {
		if strings.EqualFold(h.Name, "Content-Length") {
			n, err := strconv.ParseInt(h.Value, 10, 64)
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}
