package browser

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/grafana/ghost/api"
	"github.com/grafana/ghost/common"
)

// mapping is a type of mapping between our API (api/) and the JS
// module. It acts like a bridge and allows adding wildcard methods
// and customization over our API.
type mapping = map[string]any

// mapGhost to the JS module.
func mapGhost(vu moduleVU, g *common.Ghost) mapping {
	rt := vu.Runtime()
	return mapping{
		"start": func(opts goja.Value) (mapping, error) {
			sopts, err := parseSessionOptions(rt, opts)
			if err != nil {
				return nil, fmt.Errorf("parsing ghost.start options: %w", err)
			}
			s, err := g.Start(vu.Context(), sopts)
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return mapSession(vu, s), nil
		},
		"exit":     g.Exit,
		"sessions": g.Sessions,
	}
}

// mapSession to the JS module.
func mapSession(vu moduleVU, s *common.Session) mapping { //nolint:funlen,gocognit,cyclop
	rt := vu.Runtime()
	return mapping{
		"id":       s.ID,
		"loaded":   s.Loaded,
		"inFlight": s.InFlight,
		"open": func(address string, opts goja.Value) (mapping, error) {
			var exc thrown
			oopts, err := parseOpenOptions(rt, opts, &exc)
			if err != nil {
				return nil, fmt.Errorf("parsing session.open options: %w", err)
			}
			page, resources, err := s.Open(vu.Context(), address, oopts)
			if err = firstErr(exc.err, err); err != nil {
				return nil, err
			}
			return mapping{
				"page":      mapHTTPResource(rt, page),
				"resources": mapHTTPResources(rt, resources),
			}, nil
		},
		"waitForPageLoaded": func(timeout goja.Value) (mapping, error) {
			page, resources, err := s.WaitForPageLoaded(vu.Context(), toDuration(timeout))
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return mapping{
				"page":      mapHTTPResource(rt, page),
				"resources": mapHTTPResources(rt, resources),
			}, nil
		},
		"waitForSelector": func(selector string, timeout goja.Value) (mapping, error) {
			found, resources, err := s.WaitForSelector(vu.Context(), selector, toDuration(timeout))
			return mapFound(rt, found, resources, err)
		},
		"waitWhileSelector": func(selector string, timeout goja.Value) (mapping, error) {
			found, resources, err := s.WaitWhileSelector(vu.Context(), selector, toDuration(timeout))
			return mapFound(rt, found, resources, err)
		},
		"waitForText": func(text string, timeout goja.Value) (mapping, error) {
			found, resources, err := s.WaitForText(vu.Context(), text, toDuration(timeout))
			return mapFound(rt, found, resources, err)
		},
		"waitForAlert": func(timeout goja.Value) (mapping, error) {
			msg, resources, err := s.WaitForAlert(vu.Context(), toDuration(timeout))
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return mapping{
				"message":   msg,
				"resources": mapHTTPResources(rt, resources),
			}, nil
		},
		"waitFor": func(condition goja.Value, message string, timeout goja.Value) error {
			fn, ok := goja.AssertFunction(condition)
			if !ok {
				return errors.New("waitFor condition must be a function")
			}
			cond := func() (bool, error) {
				res, err := fn(goja.Undefined())
				if err != nil {
					return false, err //nolint:wrapcheck
				}
				return res.ToBoolean(), nil
			}
			return s.WaitFor(vu.Context(), cond, message, toDuration(timeout)) //nolint:wrapcheck
		},
		"sleep": func(seconds goja.Value) error {
			return s.Sleep(vu.Context(), toDuration(seconds)) //nolint:wrapcheck
		},
		"evaluate": func(script string, opts goja.Value) (mapping, error) {
			res, err := s.Evaluate(vu.Context(), script, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"evaluateJSFile": func(path string, opts goja.Value) (mapping, error) {
			encoding := "utf-8"
			if v := optionValue(rt, opts, "encoding"); gojaValueExists(v) {
				encoding = v.String()
			}
			res, err := s.EvaluateJSFile(vu.Context(), path, encoding, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"exists": func(selector string) (bool, error) {
			return s.Exists(vu.Context(), selector) //nolint:wrapcheck
		},
		"globalExists": func(name string) (bool, error) {
			return s.GlobalExists(vu.Context(), name) //nolint:wrapcheck
		},
		"click": func(selector string, opts goja.Value) (mapping, error) {
			button := int(optionValue(rt, opts, "button").ToInteger())
			res, err := s.Click(vu.Context(), selector, button, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"fire": func(selector, event string, opts goja.Value) (mapping, error) {
			res, err := s.Fire(vu.Context(), selector, event, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"call": func(selector, method string, opts goja.Value) (mapping, error) {
			res, err := s.Call(vu.Context(), selector, method, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"fill": func(selector string, values goja.Value, opts goja.Value) (mapping, error) {
			fields, ok := exportArg(values).(map[string]any)
			if !ok {
				return nil, errors.New("fill values must be an object")
			}
			res, err := s.Fill(vu.Context(), selector, fields, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"setFieldValue": func(selector string, value goja.Value, opts goja.Value) (mapping, error) {
			blur := true
			if v := optionValue(rt, opts, "blur"); gojaValueExists(v) {
				blur = v.ToBoolean()
			}
			res, err := s.SetFieldValue(vu.Context(), selector, exportArg(value), blur, parseActionOptions(rt, opts))
			return mapActionResult(rt, res, err)
		},
		"scrollToAnchor": func(anchor string) error {
			return s.ScrollToAnchor(vu.Context(), anchor) //nolint:wrapcheck
		},
		"content": func() (string, error) {
			return s.Content(vu.Context()) //nolint:wrapcheck
		},
		"frame": func(selector goja.Value) error {
			var sel string
			if gojaValueExists(selector) {
				sel = selector.String()
			}
			return s.Frame(vu.Context(), sel) //nolint:wrapcheck
		},
		"confirm": func(answer goja.Value, fn goja.Value) (goja.Value, error) {
			var exc thrown
			return withDialog(fn, &exc, func(run func() error) error {
				return s.WithConfirm(parseExpectation(answer, &exc), run)
			})
		},
		"prompt": func(answer goja.Value, fn goja.Value) (goja.Value, error) {
			var exc thrown
			return withDialog(fn, &exc, func(run func() error) error {
				return s.WithPrompt(parseExpectation(answer, &exc), run)
			})
		},
		"clearAlertMessage": s.ClearAlertMessage,
		"popupMessages":     s.PopupMessages,
		"setUserAgent": func(ua string) error {
			return s.SetUserAgent(vu.Context(), ua) //nolint:wrapcheck
		},
		"setViewportSize": func(width, height int) error {
			return s.SetViewportSize(vu.Context(), width, height) //nolint:wrapcheck
		},
		"setProxy": func(opts goja.Value) error {
			p, err := parseProxy(rt, opts)
			if err != nil {
				return fmt.Errorf("parsing session.setProxy options: %w", err)
			}
			return s.SetProxy(vu.Context(), p.Type, p.Host, p.Port, p.Username, p.Password) //nolint:wrapcheck
		},
		"clearCache": func() error {
			return s.ClearCache(vu.Context()) //nolint:wrapcheck
		},
		"cookies": func() ([]any, error) {
			cookies, err := s.Cookies(vu.Context())
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			mc := make([]any, 0, len(cookies))
			for _, c := range cookies {
				mc = append(mc, mapCookie(c))
			}
			return mc, nil
		},
		"deleteCookies": func() error {
			return s.DeleteCookies(vu.Context()) //nolint:wrapcheck
		},
		"saveCookies": func(path string) error {
			return s.SaveCookiesFile(vu.Context(), path) //nolint:wrapcheck
		},
		"loadCookies": func(path string, keepOld bool) error {
			return s.LoadCookiesFile(vu.Context(), path, keepOld) //nolint:wrapcheck
		},
		"close": s.Close,
	}
}

// withDialog runs fn with the dialog expectation installed by install and
// returns the value fn returned. An exception thrown by an answer producer
// takes precedence over the error of fn.
func withDialog(fn goja.Value, exc *thrown, install func(run func() error) error) (goja.Value, error) {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, errors.New("a function running the dialog actions is required")
	}

	var res goja.Value
	err := install(func() error {
		var err error
		res, err = call(goja.Undefined())
		return err //nolint:wrapcheck
	})
	if err = firstErr(exc.err, err); err != nil {
		return nil, err
	}

	return res, nil
}

func mapFound(rt *goja.Runtime, found bool, resources []*common.HTTPResource, err error) (mapping, error) {
	if err != nil {
		return nil, err
	}
	return mapping{
		"found":     found,
		"resources": mapHTTPResources(rt, resources),
	}, nil
}

func mapActionResult(rt *goja.Runtime, res *common.ActionResult, err error) (mapping, error) {
	if err != nil {
		return nil, err
	}
	return mapping{
		"value":     res.Value,
		"page":      mapHTTPResource(rt, res.Page),
		"resources": mapHTTPResources(rt, res.Resources),
	}, nil
}

// mapHTTPResource to the JS module. A nil resource maps to null.
func mapHTTPResource(rt *goja.Runtime, r *common.HTTPResource) any {
	if r == nil {
		return nil
	}

	headers := make(map[string]string, len(r.Headers))
	for k := range r.Headers {
		headers[k] = r.Headers.Get(k)
	}
	m := mapping{
		"url":         r.URL,
		"httpStatus":  r.HTTPStatus,
		"headers":     headers,
		"content":     rt.NewArrayBuffer(bytes.Clone(r.Content)),
		"charset":     r.Charset,
		"contentType": r.ContentType(),
		"decoded":     r.Decoded,
		"text":        nil,
	}
	if r.Decoded {
		m["text"] = r.Text
	}

	return m
}

func mapHTTPResources(rt *goja.Runtime, rs []*common.HTTPResource) []any {
	mr := make([]any, 0, len(rs))
	for _, r := range rs {
		mr = append(mr, mapHTTPResource(rt, r))
	}
	return mr
}

func mapCookie(c *api.Cookie) mapping {
	m := mapping{
		"name":     c.Name,
		"value":    c.Value,
		"domain":   c.Domain,
		"path":     c.Path,
		"secure":   c.Secure,
		"httpOnly": c.HTTPOnly,
		"expires":  nil,
	}
	if c.Expires.Valid {
		m["expires"] = c.Expires.Int64
	}
	return m
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
