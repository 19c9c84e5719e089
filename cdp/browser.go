package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/log"
)

const browserCloseTimeout = 5 * time.Second

var _ api.Browser = &Browser{}

// Browser is a browser reached over a CDP connection.
type Browser struct {
	client *Client
	logger *log.Logger

	version   string
	userAgent string

	// onClose runs after the connection is closed, to stop a launched
	// browser process.
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

// NewBrowser connects to the browser at wsURL. When onClose is set the
// browser is asked to quit on Close before onClose runs.
func NewBrowser(ctx context.Context, wsURL string, logger *log.Logger, onClose func() error) (*Browser, error) {
	client := NewClient(logger)
	if err := client.Connect(ctx, wsURL); err != nil {
		return nil, err
	}

	_, product, _, ua, _, err := client.Browser.GetVersion(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Debugf("Browser:New", "product:%q ua:%q", product, ua)

	return &Browser{
		client:    client,
		logger:    logger,
		version:   product,
		userAgent: ua,
		onClose:   onClose,
	}, nil
}

// Close disconnects from the browser. A launched browser is also shut
// down. Later calls return the first result.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.onClose != nil && b.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), browserCloseTimeout)
			if err := b.client.Browser.Close(ctx); err != nil {
				b.logger.Debugf("Browser:Close", "%v", err)
			}
			cancel()
		}
		if err := b.client.Close(); err != nil {
			b.logger.Debugf("Browser:Close", "closing connection: %v", err)
		}
		if b.onClose != nil {
			b.closeErr = errors.Wrap(b.onClose(), "stopping browser")
		}
	})
	return b.closeErr
}

// IsConnected returns whether the CDP connection is alive.
func (b *Browser) IsConnected() bool {
	select {
	case <-b.client.Done():
		return false
	default:
		return true
	}
}

// NewEngine opens a page in a new browser context.
func (b *Browser) NewEngine(ctx context.Context, opts *api.EngineOptions) (api.Engine, error) {
	e, err := NewEngine(ctx, b.client, b.logger, opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UserAgent returns the browser's default user agent.
func (b *Browser) UserAgent() string {
	return b.userAgent
}

// Version returns the browser's product name and version.
func (b *Browser) Version() string {
	return b.version
}
