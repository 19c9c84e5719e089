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
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/api"
)

const httpOnlyPrefix = "#HttpOnly_"

// ClampExpiry limits an epoch expiry to the 32-bit signed range.
func ClampExpiry(expires int64) int64 {
	if expires > MaxCookieExpiry {
		return MaxCookieExpiry
	}
	return expires
}

// DomainInitialDot reports whether the cookie applies to subdomains.
func DomainInitialDot(c *api.Cookie) bool {
	return strings.HasPrefix(c.Domain, ".")
}

// CookieJar is an in-memory cookie jar that reads and writes the Netscape
// cookies.txt format.
type CookieJar struct {
	cookies []*api.Cookie
}

// NewCookieJar creates an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{}
}

// Cookies returns the cookies in insertion order.
func (j *CookieJar) Cookies() []*api.Cookie {
	return append([]*api.Cookie(nil), j.cookies...)
}

// Len returns the number of cookies in the jar.
func (j *CookieJar) Len() int {
	return len(j.cookies)
}

// SetCookie adds c, replacing a cookie with the same name, domain and path.
func (j *CookieJar) SetCookie(c *api.Cookie) {
	cc := *c
	if cc.Expires.Valid {
		cc.Expires = null.IntFrom(ClampExpiry(cc.Expires.Int64))
	}
	for i, old := range j.cookies {
		if old.Name == cc.Name && old.Domain == cc.Domain && old.Path == cc.Path {
			j.cookies[i] = &cc
			return
		}
	}
	j.cookies = append(j.cookies, &cc)
}

// Clear removes every cookie.
func (j *CookieJar) Clear() {
	j.cookies = nil
}

// WriteTo writes the jar in the Netscape cookies.txt format.
func (j *CookieJar) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, c := range j.cookies {
		domain := c.Domain
		if c.HTTPOnly {
			domain = httpOnlyPrefix + domain
		}
		var expires int64
		if c.Expires.Valid {
			expires = ClampExpiry(c.Expires.Int64)
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, netscapeBool(DomainInitialDot(c)), c.Path, netscapeBool(c.Secure), expires, c.Name, c.Value)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// ReadFrom adds the cookies of a Netscape cookies.txt stream.
func (j *CookieJar) ReadFrom(r io.Reader) (int64, error) {
	var (
		n    int64
		line int
		sc   = bufio.NewScanner(r)
	)
	for sc.Scan() {
		line++
		text := sc.Text()
		n += int64(len(text)) + 1

		httpOnly := strings.HasPrefix(text, httpOnlyPrefix)
		if httpOnly {
			text = strings.TrimPrefix(text, httpOnlyPrefix)
		}
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, "\t")
		if len(fields) != 7 {
			return n, fmt.Errorf("line %d: expected 7 tab separated fields, got %d", line, len(fields))
		}
		expires, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return n, fmt.Errorf("line %d: parsing expiry %q: %w", line, fields[4], err)
		}
		c := &api.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HTTPOnly: httpOnly,
		}
		if expires > 0 {
			c.Expires = null.IntFrom(expires)
		}
		j.SetCookie(c)
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading cookies: %w", err)
	}

	return n, nil
}

func netscapeBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// ToHTTPCookie converts c to a net/http cookie.
func ToHTTPCookie(c *api.Cookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if c.Expires.Valid {
		hc.Expires = time.Unix(ClampExpiry(c.Expires.Int64), 0).UTC()
	}
	return hc
}

// FromHTTPCookie converts a net/http cookie. domain is used when hc has
// none, as with cookies read from a response.
func FromHTTPCookie(hc *http.Cookie, domain string) *api.Cookie {
	c := &api.Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if c.Domain == "" {
		c.Domain = domain
	}
	if c.Path == "" {
		c.Path = "/"
	}
	switch {
	case hc.MaxAge > 0:
		c.Expires = null.IntFrom(ClampExpiry(time.Now().Unix() + int64(hc.MaxAge)))
	case !hc.Expires.IsZero():
		c.Expires = null.IntFrom(ClampExpiry(hc.Expires.Unix()))
	}
	return c
}

// NewHTTPJar returns a net/http cookie jar holding cookies, so that an
// http.Client can share a session's cookies.
func NewHTTPJar(cookies []*api.Cookie) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	for _, c := range cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: scheme, Host: strings.TrimPrefix(c.Domain, "."), Path: path}
		jar.SetCookies(u, []*http.Cookie{ToHTTPCookie(c)})
	}
	return jar, nil
}
