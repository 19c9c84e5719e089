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
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/log"
)

var charsetRe = regexp.MustCompile(`charset=([^;]+)`)

// asciiNames are the IANA names and aliases of US-ASCII.
var asciiNames = map[string]bool{ //nolint:gochecknoglobals
	"us-ascii": true, "ascii": true, "us": true, "iso646-us": true,
	"ansi_x3.4-1968": true, "ansi_x3.4-1986": true, "iso-ir-6": true,
	"iso_646.irv:1991": true, "cp367": true, "ibm367": true, "csascii": true,
}

// HTTPResource is a network reply captured by a session. It is shared with
// every caller the session releases it to: Headers and Content must be
// treated as read-only. Use Clone for a copy that can be modified.
type HTTPResource struct {
	URL        string
	Headers    http.Header
	HTTPStatus int
	// Content is the raw body.
	Content []byte
	// Text is the body decoded with Charset. It is only set when Decoded is.
	Text    string
	Charset string
	Decoded bool
}

// NewHTTPResource builds a resource from a completed reply. body is the
// accumulated body, reply.Body is used when it is empty.
func NewHTTPResource(logger *log.Logger, reply *api.Reply, body []byte) *HTTPResource {
	if len(body) == 0 {
		body = reply.Body
	}
	r := &HTTPResource{
		URL:        reply.URL,
		Headers:    make(http.Header, len(reply.Headers)),
		HTTPStatus: reply.Status,
		Content:    body,
	}
	for _, h := range reply.Headers {
		r.Headers.Add(h.Name, h.Value)
	}

	contentType := r.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	if strings.HasPrefix(contentType, "text/") {
		r.Charset = defaultCharset
		if m := charsetRe.FindStringSubmatch(contentType); m != nil {
			r.Charset = m[1]
		}
		text, ok := decode(r.Charset, body)
		if ok {
			r.Text, r.Decoded = text, true
		} else {
			logger.Warnf("HTTPResource", "url:%q cannot decode body as %q, keeping raw bytes", r.URL, r.Charset)
			r.Headers.Set("Content-Type", defaultContentType)
		}
	}

	logger.Infof("HTTPResource", "Resource loaded: %s %d", r.URL, r.HTTPStatus)

	return r
}

// Clone returns a deep copy of r.
func (r *HTTPResource) Clone() *HTTPResource {
	c := *r
	c.Headers = r.Headers.Clone()
	c.Content = bytes.Clone(r.Content)
	return &c
}

// ContentType returns the Content-Type header, possibly rewritten to
// application/octet-stream if the body couldn't be decoded.
func (r *HTTPResource) ContentType() string {
	if ct := r.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}

// decode decodes body from charset. It fails when the charset is unknown or
// the body isn't valid in it. Names resolve through the IANA registry, so
// iso-8859-1 is Latin-1 and not its windows-1252 web alias.
func decode(charset string, body []byte) (string, bool) {
	name := strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"'`))
	switch {
	case name == "utf-8" || name == "utf8":
		return string(body), utf8.Valid(body)
	case asciiNames[name]:
		for _, b := range body {
			if b >= utf8.RuneSelf {
				return "", false
			}
		}
		return string(body), true
	}

	enc := lookupEncoding(name)
	if enc == nil {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	// Decoders substitute invalid sequences with U+FFFD instead of failing.
	if bytes.ContainsRune(out, utf8.RuneError) && !bytes.Contains(body, []byte(string(utf8.RuneError))) {
		return "", false
	}

	return string(out), true
}

// lookupEncoding resolves an IANA charset name, falling back to the WHATWG
// labels for names IANA doesn't know.
func lookupEncoding(name string) encoding.Encoding {
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc
	}
	if enc, err := htmlindex.Get(name); err == nil {
		return enc
	}
	return nil
}
