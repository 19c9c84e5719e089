/*
 *
 * ghost - synchronous browser automation over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"reflect"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/log"
)

// Expectation is the answer given to a confirm or prompt dialog. It is
// either a fixed value or a producer called when the dialog opens.
type Expectation struct {
	value    any
	producer func() any
}

// ExpectValue answers dialogs with v.
func ExpectValue(v any) *Expectation {
	return &Expectation{value: v}
}

// ExpectFunc answers dialogs with the result of fn, called once per dialog.
func ExpectFunc(fn func() any) *Expectation {
	return &Expectation{producer: fn}
}

func (e *Expectation) resolve() any {
	if e.producer != nil {
		return e.producer()
	}
	return e.value
}

// dialogState answers the dialogs of a session.
type dialogState struct {
	logger *log.Logger

	alert           null.String
	popupMessages   []string
	confirmExpected *Expectation
	promptExpected  *Expectation
}

func newDialogState(logger *log.Logger) *dialogState {
	return &dialogState{logger: logger}
}

// Alert records msg as the pending alert.
func (d *dialogState) Alert(msg string) {
	d.alert = null.StringFrom(msg)
	d.popupMessages = append(d.popupMessages, msg)
	d.logger.Infof("Dialog:alert", "alert('%s')", msg)
}

// Confirm answers a confirm dialog from the confirm expectation.
func (d *dialogState) Confirm(msg string) (bool, error) {
	if d.confirmExpected == nil {
		return false, preconditionf("You must specify a value to confirm %q", msg)
	}
	d.popupMessages = append(d.popupMessages, msg)
	answer := truthy(d.confirmExpected.resolve())
	d.logger.Infof("Dialog:confirm", "confirm('%s') answered %t", msg, answer)

	return answer, nil
}

// Prompt answers a prompt dialog from the prompt expectation.
func (d *dialogState) Prompt(msg, defaultValue string) (string, bool, error) {
	if d.promptExpected == nil {
		return "", false, preconditionf("You must specify a value for prompt %q", msg)
	}
	d.popupMessages = append(d.popupMessages, msg)

	var text string
	switch v := d.promptExpected.resolve().(type) {
	case string:
		text = v
	default:
		d.logger.Warnf("Dialog:prompt", "'%s' prompt answer of type %T is not text, using an empty string", msg, v)
	}
	if text == "" {
		d.logger.Warnf("Dialog:prompt", "'%s' prompt filled with empty string", msg)
	}

	return text, true, nil
}

// takeAlert returns and clears the pending alert.
func (d *dialogState) takeAlert() (string, bool) {
	if !d.alert.Valid {
		return "", false
	}
	msg := d.alert.String
	d.alert = null.String{}
	return msg, true
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() { //nolint:exhaustive
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map:
		return rv.Len() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
