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

import "time"

const (
	// Defaults
	DefaultTimeout        time.Duration = 8 * time.Second
	DefaultViewportWidth  int           = 800
	DefaultViewportHeight int           = 600
	DefaultCacheSize      int64         = 50
	DefaultUserAgent      string        = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_2) " +
		"AppleWebKit/534.34 (KHTML, like Gecko) Chrome/50.0.2661.102 Safari/534.34"

	// MaxCookieExpiry is the largest expiry, in epoch seconds, a cookie can
	// carry. Larger values are clamped to it.
	MaxCookieExpiry int64 = 2147483647

	// Wait polling bounds.
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 250 * time.Millisecond

	defaultContentType = "application/octet-stream"
	defaultCharset     = "iso-8859-1"
)

// HTTP methods accepted by Session.Open.
var httpMethods = map[string]struct{}{ //nolint:gochecknoglobals
	"GET":    {},
	"HEAD":   {},
	"POST":   {},
	"PUT":    {},
	"DELETE": {},
}
