package domains

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
	"github.com/pkg/errors"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	Navigate(ctx context.Context, url, frameID string) (loaderID string, err error)
	FrameTree(context.Context) (*cdpp.FrameTree, error)
	HandleDialog(ctx context.Context, accept bool, promptText string) error
	StopLoading(context.Context) error
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return errors.Wrap(err, "enabling page CDP domain")
	}

	return nil
}

// Navigate loads url in a frame. A navigation the browser refuses, such as
// one to an unresolvable host, returns an error carrying its error text.
func (p *page) Navigate(ctx context.Context, url, frameID string) (string, error) {
	action := cdpp.Navigate(url)
	if frameID != "" {
		action = action.WithFrameID(cdp.FrameID(frameID))
	}

	_, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", errors.Wrapf(err, "navigating to %q", url)
	}
	if errorText != "" {
		return string(loaderID), errors.Errorf("%s at %q", errorText, url)
	}

	return string(loaderID), nil
}

func (p *page) FrameTree(ctx context.Context) (*cdpp.FrameTree, error) {
	tree, err := cdpp.GetFrameTree().Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, errors.Wrap(err, "getting frame tree")
	}

	return tree, nil
}

func (p *page) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	action := cdpp.HandleJavaScriptDialog(accept).WithPromptText(promptText)
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return errors.Wrap(err, "handling JavaScript dialog")
	}

	return nil
}

func (p *page) StopLoading(ctx context.Context) error {
	return errors.Wrap(cdpp.StopLoading().Do(cdp.WithExecutor(ctx, p.exec)), "stopping page load")
}
