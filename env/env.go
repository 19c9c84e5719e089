// Package env holds the environment variables ghost reads and helpers to
// look them up.
package env

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Environment variables.
const (
	// WebSocketURL is the CDP endpoint of a remote browser. It can be a
	// single URL or a comma separated list, the first entry is used.
	WebSocketURL = "GHOST_WS_URL"

	// ExecutablePath overrides the Chromium binary used by the launcher.
	ExecutablePath = "GHOST_EXECUTABLE_PATH"

	// Headless toggles headless mode of a launched browser.
	Headless = "GHOST_HEADLESS"

	// BrowserArgs are extra comma separated command line flags for a
	// launched browser.
	BrowserArgs = "GHOST_ARGS"

	// WaitTimeout is the default timeout of all waits, as a Go duration.
	WaitTimeout = "GHOST_WAIT_TIMEOUT"

	// UserAgent overrides the default user agent of new sessions.
	UserAgent = "GHOST_USER_AGENT"

	// IgnoreSSLErrors sets the default SSL error policy of new sessions.
	IgnoreSSLErrors = "GHOST_IGNORE_SSL_ERRORS"

	// Exclude is the default request exclusion regular expression.
	Exclude = "GHOST_EXCLUDE"

	// CacheSize is the disk cache size in megabytes.
	CacheSize = "GHOST_CACHE_SIZE"

	// LogLevel is the logrus level name.
	LogLevel = "GHOST_LOG_LEVEL"

	// LogCategoryFilter is a regular expression matched against the log
	// categories. Non matching lines are dropped.
	LogCategoryFilter = "GHOST_LOG_CATEGORY_FILTER"

	// TracesEndpoint is the OTLP/HTTP endpoint traces are exported to.
	TracesEndpoint = "GHOST_TRACES_ENDPOINT"

	// TracesInsecure disables TLS for the traces exporter.
	TracesInsecure = "GHOST_TRACES_INSECURE"

	// TracesSampleRatio is the fraction of root spans sampled, from 0 to 1.
	TracesSampleRatio = "GHOST_TRACES_SAMPLE_RATIO"

	// XDGCacheHome is the base of the default cache directory.
	XDGCacheHome = "XDG_CACHE_HOME"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the LookupFunc of the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that never finds anything.
func EmptyLookup(string) (string, bool) {
	return "", false
}

// IsRemoteBrowser returns true and the corresponding CDP
// WS URLs when set through the GHOST_WS_URL environment
// variable. Otherwise returns false and nil.
func IsRemoteBrowser(envLookup LookupFunc) ([]string, bool) {
	wsURL, isRemote := envLookup(WebSocketURL)
	if !isRemote || wsURL == "" {
		return nil, false
	}
	if !strings.ContainsRune(wsURL, ',') {
		return []string{wsURL}, isRemote
	}

	// If last parts element is a void string,
	// because WS URL contained an ending comma,
	// remove it
	parts := strings.Split(wsURL, ",")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}

	return parts, isRemote
}

// Config is the environment configuration. Unset values keep their zero or
// null value so callers can tell them apart from explicit settings.
type Config struct {
	ExecutablePath    string        `envconfig:"GHOST_EXECUTABLE_PATH"`
	Headless          null.Bool     `envconfig:"GHOST_HEADLESS"`
	BrowserArgs       []string      `envconfig:"GHOST_ARGS"`
	WaitTimeout       time.Duration `envconfig:"GHOST_WAIT_TIMEOUT"`
	UserAgent         null.String   `envconfig:"GHOST_USER_AGENT"`
	IgnoreSSLErrors   null.Bool     `envconfig:"GHOST_IGNORE_SSL_ERRORS"`
	Exclude           null.String   `envconfig:"GHOST_EXCLUDE"`
	CacheSize         null.Int      `envconfig:"GHOST_CACHE_SIZE"`
	TracesEndpoint    string        `envconfig:"GHOST_TRACES_ENDPOINT"`
	TracesInsecure    bool          `envconfig:"GHOST_TRACES_INSECURE"`
	TracesSampleRatio null.Float    `envconfig:"GHOST_TRACES_SAMPLE_RATIO"`
	XDGCacheHome      string        `envconfig:"XDG_CACHE_HOME"`
}

// Parse reads the configuration through lookup.
func Parse(lookup LookupFunc) (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c, func(key string) (string, bool) {
		return lookup(key)
	}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return &c, nil
}
