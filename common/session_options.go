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
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/env"
)

// Viewport is the size of the page's visible area.
type Viewport struct {
	Width  int `js:"width"`
	Height int `js:"height"`
}

// Validate validates the viewport.
func (v *Viewport) Validate() error {
	if v == nil {
		return nil
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d: width and height must be positive", v.Width, v.Height)
	}
	return nil
}

// SessionOptions stores session options.
type SessionOptions struct {
	WaitTimeout       time.Duration `js:"waitTimeout"`
	WaitCallback      func()        `js:"-"`
	IgnoreSSLErrors   bool          `js:"ignoreSSLErrors"`
	DownloadImages    bool          `js:"downloadImages"`
	JavaScriptEnabled bool          `js:"javaScriptEnabled"`
	PluginsEnabled    bool          `js:"pluginsEnabled"`
	Exclude           string        `js:"exclude"`
	UserAgent         string        `js:"userAgent"`
	Viewport          *Viewport     `js:"viewport"`
}

// NewSessionOptions creates a default set of session options.
func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		WaitTimeout:       DefaultTimeout,
		IgnoreSSLErrors:   true,
		DownloadImages:    true,
		JavaScriptEnabled: true,
		UserAgent:         DefaultUserAgent,
		Viewport:          &Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
	}
}

// ApplyEnv overrides the options with the ones set in the environment.
func (o *SessionOptions) ApplyEnv(c *env.Config) {
	if c.WaitTimeout > 0 {
		o.WaitTimeout = c.WaitTimeout
	}
	if c.IgnoreSSLErrors.Valid {
		o.IgnoreSSLErrors = c.IgnoreSSLErrors.Bool
	}
	if c.UserAgent.Valid {
		o.UserAgent = c.UserAgent.String
	}
	if c.Exclude.Valid {
		o.Exclude = c.Exclude.String
	}
}

// Validate validates the session options.
func (o *SessionOptions) Validate() error {
	if o.WaitTimeout < 0 {
		return fmt.Errorf("invalid wait timeout %s: must not be negative", o.WaitTimeout)
	}
	if _, err := o.excludePattern(); err != nil {
		return err
	}
	if err := o.Viewport.Validate(); err != nil {
		return fmt.Errorf("validating viewport option: %w", err)
	}

	return nil
}

func (o *SessionOptions) excludePattern() (*regexp.Regexp, error) {
	if o.Exclude == "" {
		return nil, nil //nolint:nilnil
	}
	re, err := regexp.Compile(o.Exclude)
	if err != nil {
		return nil, fmt.Errorf("parsing exclude pattern %q: %w", o.Exclude, err)
	}
	return re, nil
}

func (o *SessionOptions) engineOptions() *api.EngineOptions {
	eo := &api.EngineOptions{
		UserAgent:         o.UserAgent,
		ViewportWidth:     DefaultViewportWidth,
		ViewportHeight:    DefaultViewportHeight,
		JavaScriptEnabled: o.JavaScriptEnabled,
		DownloadImages:    o.DownloadImages,
		PluginsEnabled:    o.PluginsEnabled,
		IgnoreSSLErrors:   o.IgnoreSSLErrors,
		CacheEnabled:      true,
	}
	if o.Viewport != nil {
		eo.ViewportWidth, eo.ViewportHeight = o.Viewport.Width, o.Viewport.Height
	}
	return eo
}

// OpenOptions are the options of Session.Open.
type OpenOptions struct {
	Method  string            `js:"method"`
	Headers map[string]string `js:"headers"`
	Body    string            `js:"body"`
	Auth    *api.Credentials  `js:"auth"`
	// DefaultPopupResponse answers every confirm and prompt dialog raised
	// while the page opens.
	DefaultPopupResponse *Expectation `js:"-"`
	Wait                 bool          `js:"wait"`
	Timeout              time.Duration `js:"timeout"`
	UserAgent            string        `js:"userAgent"`
	EncodeURL            bool          `js:"encodeURL"`
	UseCache             bool          `js:"useCache"`
}

// NewOpenOptions returns the default options of Session.Open.
func NewOpenOptions() *OpenOptions {
	return &OpenOptions{
		Method:    "GET",
		Headers:   make(map[string]string),
		Wait:      true,
		EncodeURL: true,
		UseCache:  true,
	}
}

// Validate validates the open options.
func (o *OpenOptions) Validate() error {
	if _, ok := httpMethods[strings.ToUpper(o.Method)]; !ok {
		return preconditionf("Invalid http method %s", o.Method)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("invalid timeout %s: must not be negative", o.Timeout)
	}
	return nil
}

// loadRequest builds the engine request for address.
func (o *OpenOptions) loadRequest(address string) (*api.LoadRequest, error) {
	target := address
	if o.EncodeURL {
		u, err := url.Parse(address)
		if err != nil {
			return nil, fmt.Errorf("parsing url %q: %w", address, err)
		}
		target = u.String()
	}
	req := &api.LoadRequest{
		URL:     target,
		Method:  strings.ToUpper(o.Method),
		Headers: o.Headers,
	}
	if o.Body != "" {
		req.Body = []byte(o.Body)
	}
	return req, nil
}

// DefaultCacheDir is where a launched browser keeps its disk cache:
// $XDG_CACHE_HOME/ghost-go, or ~/.cache/ghost-go.
func DefaultCacheDir(c *env.Config) (string, error) {
	if c.XDGCacheHome != "" {
		return filepath.Join(c.XDGCacheHome, "ghost-go"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("cannot determine the cache directory: no home directory and XDG_CACHE_HOME unset")
	}
	return filepath.Join(home, ".cache", "ghost-go"), nil
}
