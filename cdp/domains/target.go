package domains

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
	"github.com/pkg/errors"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	CreateBrowserContext(ctx context.Context, proxyServer string) (id string, err error)
	DisposeBrowserContext(ctx context.Context, id string) error
	CreateTarget(ctx context.Context, url, browserContextID string) (targetID string, err error)
	AttachToTarget(ctx context.Context, targetID string) (sessionID string, err error)
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

// CreateBrowserContext creates an isolated context disposed of when its
// client detaches. An empty proxyServer uses the browser's proxy settings.
func (t *target) CreateBrowserContext(ctx context.Context, proxyServer string) (string, error) {
	action := cdpt.CreateBrowserContext().WithDisposeOnDetach(true)
	if proxyServer != "" {
		action = action.WithProxyServer(proxyServer)
	}
	bctxID, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", errors.Wrap(err, "creating browser context")
	}

	return string(bctxID), nil
}

func (t *target) DisposeBrowserContext(ctx context.Context, id string) error {
	action := cdpt.DisposeBrowserContext(cdp.BrowserContextID(id))
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return errors.Wrapf(err, "disposing browser context %s", id)
	}

	return nil
}

func (t *target) CreateTarget(ctx context.Context, url, browserContextID string) (string, error) {
	action := cdpt.CreateTarget(url)
	if browserContextID != "" {
		action = action.WithBrowserContextID(cdp.BrowserContextID(browserContextID))
	}
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", errors.Wrap(err, "creating target")
	}

	return string(id), nil
}

// AttachToTarget attaches in flat mode, so the target's messages share the
// browser connection keyed by the returned session ID.
func (t *target) AttachToTarget(ctx context.Context, targetID string) (string, error) {
	action := cdpt.AttachToTarget(cdpt.ID(targetID)).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", errors.Wrapf(err, "attaching to target %s", targetID)
	}

	return string(sid), nil
}
