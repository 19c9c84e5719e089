package cdp

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// DiscoverWSURL returns the browser WebSocket URL of a CDP endpoint. A
// ws:// or wss:// endpoint is returned as is; an http:// or https:// one is
// resolved through its /json/version document.
func DiscoverWSURL(ctx context.Context, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parsing CDP endpoint %q", endpoint)
	}

	switch u.Scheme {
	case "ws", "wss":
		return endpoint, nil
	case "http", "https":
	default:
		return "", errors.Errorf("unsupported CDP endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "building version request")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "discovering browser at %q", endpoint)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode != http.StatusOK {
		return "", errors.Errorf("discovering browser at %q: %s", endpoint, res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading version document")
	}

	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", errors.Errorf("no webSocketDebuggerUrl at %q", u.String())
	}

	return wsURL, nil
}
