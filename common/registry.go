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
	"regexp"
	"sort"

	"github.com/oxtoacart/bpool"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/metrics"
)

type replyState int

const (
	replyCreated replyState = iota
	replyInFlight
	replyFinished
	replyErrored
	replyDestroyed
)

func (s replyState) String() string {
	switch s {
	case replyCreated:
		return "created"
	case replyInFlight:
		return "in-flight"
	case replyFinished:
		return "finished"
	case replyErrored:
		return "errored"
	case replyDestroyed:
		return "destroyed"
	}
	return "unknown"
}

type registryEntry struct {
	id       api.ReplyID
	url      string
	state    replyState
	excluded bool
	buf      *bytes.Buffer
}

// Aborter aborts in-flight replies.
type Aborter interface {
	Abort(id api.ReplyID) error
}

// RequestRegistry tracks every request of a session from its creation until
// the engine reports it finished or destroyed.
type RequestRegistry struct {
	logger     *log.Logger
	metrics    *metrics.Metrics
	exclude    *regexp.Regexp
	pool       *bpool.BufferPool
	onResource func(*HTTPResource)
	aborter    Aborter

	lastID   api.ReplyID
	entries  map[api.ReplyID]*registryEntry
	disposed bool
}

// NewRequestRegistry creates a registry. Requests whose URL matches exclude
// are replaced by empty requests. onResource receives the resource of every
// reply that finished with an HTTP status.
func NewRequestRegistry(
	logger *log.Logger, exclude *regexp.Regexp, onResource func(*HTTPResource), m *metrics.Metrics,
) *RequestRegistry {
	return &RequestRegistry{
		logger:     logger,
		metrics:    m,
		exclude:    exclude,
		pool:       bpool.NewBufferPool(16),
		onResource: onResource,
		entries:    make(map[api.ReplyID]*registryEntry),
	}
}

// SetAborter sets what aborts the live replies on Dispose.
func (r *RequestRegistry) SetAborter(a Aborter) {
	r.aborter = a
}

// InFlight returns the number of replies that haven't finished yet.
func (r *RequestRegistry) InFlight() int {
	return len(r.entries)
}

// ReplyCreated registers req and decides whether it is dispatched.
func (r *RequestRegistry) ReplyCreated(req *api.Request) (api.ReplyID, api.Disposition) {
	r.lastID++
	e := &registryEntry{
		id:    r.lastID,
		url:   req.URL,
		state: replyCreated,
	}

	disposition := api.DispositionContinue
	if r.exclude != nil && r.exclude.MatchString(req.URL) {
		e.excluded = true
		disposition = api.DispositionExclude
		r.logger.Debugf("Registry:onCreated", "rid:%d excluding url:%q", e.id, req.URL)
	} else {
		e.buf = r.pool.Get()
		r.logger.Debugf("Registry:onCreated", "rid:%d method:%s url:%q", e.id, req.Method, req.URL)
	}

	e.state = replyInFlight
	r.entries[e.id] = e
	r.metrics.AddInFlight(1)

	return e.id, disposition
}

// ReplyPartialData mirrors chunk into the reply's buffer.
func (r *RequestRegistry) ReplyPartialData(id api.ReplyID, chunk []byte) {
	e, ok := r.entries[id]
	if !ok || e.buf == nil {
		r.logger.Debugf("Registry:onPartialData", "rid:%d ignoring %d bytes of unknown reply", id, len(chunk))
		return
	}
	e.buf.Write(chunk)
}

// ReplyDownloadProgress logs the progress of a reply.
func (r *RequestRegistry) ReplyDownloadProgress(id api.ReplyID, received, total int64) {
	var url string
	if e, ok := r.entries[id]; ok {
		url = e.url
	}
	r.logger.Debugf("Registry:onProgress", "rid:%d url:%q received:%d total:%d", id, url, received, total)
}

// ReplyError logs a reply error. The reply stays registered until it
// finishes or is destroyed.
func (r *RequestRegistry) ReplyError(id api.ReplyID, code int, text string) {
	e, ok := r.entries[id]
	if !ok {
		r.logger.Errorf("Registry:onError", "rid:%d code:%d %s", id, code, text)
		return
	}
	e.state = replyErrored
	r.logger.Errorf("Registry:onError", "rid:%d url:%q code:%d %s", id, e.url, code, text)
}

// ReplyFinished removes the reply and captures its resource. A signal for
// a reply that isn't registered captures nothing.
func (r *RequestRegistry) ReplyFinished(id api.ReplyID, reply *api.Reply) {
	e, ok := r.entries[id]
	if !ok {
		// Already removed by ReplyDestroyed, or a duplicate signal.
		r.logger.Debugf("Registry:onFinished", "rid:%d not registered", id)
		return
	}
	r.remove(e)
	switch {
	case e.excluded:
		r.metrics.Reply(metrics.OutcomeExcluded)
	case e.state == replyErrored:
		r.metrics.Reply(metrics.OutcomeErrored)
	default:
		r.metrics.Reply(metrics.OutcomeFinished)
	}
	e.state = replyFinished

	if reply == nil || reply.Status == 0 || e.excluded {
		r.release(e)
		return
	}

	var body []byte
	if e.buf != nil && e.buf.Len() > 0 {
		body = append([]byte(nil), e.buf.Bytes()...)
	}
	r.release(e)

	res := NewHTTPResource(r.logger, reply, body)
	r.metrics.Resource()
	if r.onResource != nil {
		r.onResource(res)
	}
}

// ReplyDestroyed removes a reply that the engine dropped without a
// terminal signal.
func (r *RequestRegistry) ReplyDestroyed(id api.ReplyID) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	r.remove(e)
	r.metrics.Reply(metrics.OutcomeDestroyed)
	r.logger.Warnf("Registry:onDestroyed",
		"Reply for %s did not trigger finished or error signal (state:%s)", e.url, e.state)
	e.state = replyDestroyed
	r.release(e)
}

// UnsupportedContent logs a reply the engine can't render.
func (r *RequestRegistry) UnsupportedContent(id api.ReplyID) {
	var url string
	if e, ok := r.entries[id]; ok {
		url = e.url
	}
	r.logger.Infof("Registry:onUnsupportedContent", "rid:%d url:%q unsupported content, body is captured", id, url)
}

// Dispose aborts every live reply. Abort errors are ignored.
func (r *RequestRegistry) Dispose() {
	if r.disposed {
		return
	}
	r.disposed = true

	ids := make([]api.ReplyID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := r.entries[id]
		if r.aborter != nil {
			if err := r.aborter.Abort(id); err != nil {
				r.logger.Debugf("Registry:Dispose", "rid:%d aborting url:%q: %v", id, e.url, err)
			}
		}
		r.remove(e)
		r.release(e)
	}
}

func (r *RequestRegistry) remove(e *registryEntry) {
	delete(r.entries, e.id)
	r.metrics.AddInFlight(-1)
}

func (r *RequestRegistry) release(e *registryEntry) {
	if e == nil || e.buf == nil {
		return
	}
	r.pool.Put(e.buf)
	e.buf = nil
}
