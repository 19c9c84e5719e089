package browser

import (
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/grafana/ghost/common"
)

// exportArg exports the value and returns it.
// It returns nil if the value is undefined or null.
func exportArg(gv goja.Value) any {
	if !gojaValueExists(gv) {
		return nil
	}
	return gv.Export()
}

// gojaValueExists returns true if a given value is not nil and exists
// (defined and not null) in the goja runtime.
func gojaValueExists(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// toDuration converts a number of seconds to a duration. Missing and
// invalid values are zero, which selects the default timeout.
func toDuration(v goja.Value) time.Duration {
	if !gojaValueExists(v) {
		return 0
	}
	secs := v.ToFloat()
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// thrown keeps the first exception raised by a script callback that runs
// while the engine processes events.
type thrown struct {
	err error
}

func (t *thrown) keep(err error) {
	if t.err == nil {
		t.err = err
	}
}

// parseExpectation turns a value, or a function producing one, into a
// dialog answer. It returns nil when v is missing.
func parseExpectation(v goja.Value, exc *thrown) *common.Expectation {
	if !gojaValueExists(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return common.ExpectValue(v.Export())
	}
	return common.ExpectFunc(func() any {
		res, err := fn(goja.Undefined())
		if err != nil {
			exc.keep(err)
			return nil
		}
		return exportArg(res)
	})
}
