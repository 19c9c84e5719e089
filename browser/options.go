package browser

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common"
)

// parseSessionOptions parses the options of ghost.start. It returns nil when
// opts is missing so that the environment defaults apply.
func parseSessionOptions( //nolint:cyclop
	rt *goja.Runtime,
	opts goja.Value,
) (*common.SessionOptions, error) {
	if !gojaValueExists(opts) {
		return nil, nil //nolint:nilnil
	}
	sopts := common.NewSessionOptions()

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		v := o.Get(k)
		switch k {
		case "waitTimeout":
			sopts.WaitTimeout = toDuration(v)
		case "waitCallback":
			if !gojaValueExists(v) {
				continue
			}
			fn, ok := goja.AssertFunction(v)
			if !ok {
				return nil, errors.New("waitCallback must be a function")
			}
			sopts.WaitCallback = func() { _, _ = fn(goja.Undefined()) }
		case "ignoreSSLErrors":
			sopts.IgnoreSSLErrors = v.ToBoolean()
		case "downloadImages":
			sopts.DownloadImages = v.ToBoolean()
		case "javaScriptEnabled":
			sopts.JavaScriptEnabled = v.ToBoolean()
		case "pluginsEnabled":
			sopts.PluginsEnabled = v.ToBoolean()
		case "exclude":
			if gojaValueExists(v) {
				sopts.Exclude = v.String()
			}
		case "userAgent":
			sopts.UserAgent = v.String()
		case "viewport":
			vp, err := parseViewport(rt, v)
			if err != nil {
				return nil, fmt.Errorf("parsing viewport options: %w", err)
			}
			sopts.Viewport = vp
		}
	}

	return sopts, nil
}

// parseViewport parses the viewport.
func parseViewport(rt *goja.Runtime, opts goja.Value) (*common.Viewport, error) {
	vp := &common.Viewport{Width: common.DefaultViewportWidth, Height: common.DefaultViewportHeight}

	if !gojaValueExists(opts) {
		return vp, nil
	}

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		switch k {
		case "width":
			vp.Width = int(o.Get(k).ToInteger())
		case "height":
			vp.Height = int(o.Get(k).ToInteger())
		}
	}

	return vp, vp.Validate()
}

// parseOpenOptions parses the options of session.open.
func parseOpenOptions( //nolint:cyclop
	rt *goja.Runtime,
	opts goja.Value,
	exc *thrown,
) (*common.OpenOptions, error) {
	oopts := common.NewOpenOptions()

	if !gojaValueExists(opts) {
		return oopts, nil
	}

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		v := o.Get(k)
		switch k {
		case "method":
			oopts.Method = v.String()
		case "headers":
			if !gojaValueExists(v) {
				continue
			}
			headers := v.ToObject(rt)
			for _, h := range headers.Keys() {
				oopts.Headers[h] = headers.Get(h).String()
			}
		case "body":
			if gojaValueExists(v) {
				oopts.Body = v.String()
			}
		case "auth":
			creds, err := parseCredentials(rt, v)
			if err != nil {
				return nil, fmt.Errorf("parsing auth options: %w", err)
			}
			oopts.Auth = creds
		case "defaultPopupResponse":
			oopts.DefaultPopupResponse = parseExpectation(v, exc)
		case "wait":
			oopts.Wait = v.ToBoolean()
		case "timeout":
			oopts.Timeout = toDuration(v)
		case "userAgent":
			if gojaValueExists(v) {
				oopts.UserAgent = v.String()
			}
		case "encodeURL":
			oopts.EncodeURL = v.ToBoolean()
		case "useCache":
			oopts.UseCache = v.ToBoolean()
		}
	}

	return oopts, nil
}

// parseCredentials parses HTTP credentials.
func parseCredentials(rt *goja.Runtime, opts goja.Value) (*api.Credentials, error) {
	if !gojaValueExists(opts) {
		return nil, nil //nolint:nilnil
	}

	var creds api.Credentials
	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		switch k {
		case "username":
			creds.Username = o.Get(k).String()
		case "password":
			creds.Password = o.Get(k).String()
		}
	}
	if creds.Username == "" {
		return nil, errors.New("username is required")
	}

	return &creds, nil
}

// parseActionOptions parses the options shared by the page actions.
func parseActionOptions(rt *goja.Runtime, opts goja.Value) *common.ActionOptions {
	aopts := &common.ActionOptions{}

	if !gojaValueExists(opts) {
		return aopts
	}

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		switch k {
		case "expectLoading":
			aopts.ExpectLoading = o.Get(k).ToBoolean()
		case "timeout":
			aopts.Timeout = toDuration(o.Get(k))
		}
	}

	return aopts
}

// optionValue returns the named option, or undefined when opts is missing.
func optionValue(rt *goja.Runtime, opts goja.Value, name string) goja.Value {
	if !gojaValueExists(opts) {
		return goja.Undefined()
	}
	v := opts.ToObject(rt).Get(name)
	if v == nil {
		return goja.Undefined()
	}
	return v
}

// parseProxy parses the options of session.setProxy.
func parseProxy(rt *goja.Runtime, opts goja.Value) (*api.Proxy, error) {
	p := &api.Proxy{Type: api.ProxyNone}

	if !gojaValueExists(opts) {
		return p, nil
	}

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		v := o.Get(k)
		switch k {
		case "type":
			p.Type = api.ProxyType(v.String())
		case "host":
			p.Host = v.String()
		case "port":
			p.Port = int(v.ToInteger())
		case "username":
			p.Username = v.String()
		case "password":
			p.Password = v.String()
		}
	}

	switch p.Type {
	case api.ProxyNone, api.ProxyDefault, api.ProxySocks5, api.ProxyHTTPS, api.ProxyHTTP:
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}

	return p, nil
}
