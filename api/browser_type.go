package api

import (
	"context"
	"time"
)

// LaunchOptions configure a locally launched browser.
type LaunchOptions struct {
	ExecutablePath string
	Headless       bool
	Args           []string
	Timeout        time.Duration
}

// BrowserType is the public interface of a CDP browser client.
type BrowserType interface {
	Connect(ctx context.Context, wsEndpoint string) (Browser, error)
	ExecutablePath() string
	Launch(ctx context.Context, opts *LaunchOptions) (Browser, error)
	Name() string
}
