package api

import (
	"context"
)

// Browser is the public interface of a CDP browser.
type Browser interface {
	Close() error
	IsConnected() bool
	NewEngine(ctx context.Context, opts *EngineOptions) (Engine, error)
	UserAgent() string
	Version() string
}
