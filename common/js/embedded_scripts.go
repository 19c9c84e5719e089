package js

import (
	_ "embed"
)

// Each script is a function expression. Call them with Invoke.

// ClickScript dispatches a mouse click on the first element matching a
// selector. It returns false when there is no such element.
//
//go:embed click.js
var ClickScript string

// FireScript dispatches an HTML event on the first element matching a
// selector.
//
//go:embed fire.js
var FireScript string

// CallScript calls a method of the first element matching a selector.
//
//go:embed call.js
var CallScript string

// ExistsScript reports whether a selector matches an element.
//
//go:embed exists.js
var ExistsScript string

// GlobalExistsScript reports whether a window global is defined.
//
//go:embed global_exists.js
var GlobalExistsScript string

// ScrollToAnchorScript scrolls to the element with the given id or name.
//
//go:embed scroll_to_anchor.js
var ScrollToAnchorScript string

// SetFieldValueScript sets the value of a form field and fires its input
// and change events. It returns "ok", "missing", "unsupported", or "file"
// for file inputs, which must be set through the engine.
//
//go:embed set_field_value.js
var SetFieldValueScript string
