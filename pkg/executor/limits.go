package executor

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// limitStrings wraps the String.prototype methods that can allocate a string
// far larger than their input, so a one-liner cannot exhaust the process
// heap. Code growing a string step by step is still only bounded by the
// mission deadline.
func (e *Executor) limitStrings(limit int) {
	proto := e.vm.Get("String").ToObject(e.vm).Get("prototype").ToObject(e.vm)

	wrap := func(name string, size func(this goja.Value, call goja.FunctionCall) float64) {
		orig, ok := goja.AssertFunction(proto.Get(name))
		if !ok {
			return
		}
		_ = proto.Set(name, func(call goja.FunctionCall) goja.Value {
			if goja.IsUndefined(call.This) || goja.IsNull(call.This) {
				panic(e.vm.NewTypeError("String.prototype.%s called on null or undefined", name))
			}
			if n := size(call.This, call); n > float64(limit) {
				panic(e.rangeError(fmt.Sprintf("Invalid string length: %s would build %.0f characters, limit is %d", name, n, limit)))
			}
			v, err := orig(call.This, call.Arguments...)
			if err != nil {
				panic(err)
			}
			return v
		})
	}

	wrap("repeat", func(this goja.Value, call goja.FunctionCall) float64 {
		count := call.Argument(0).ToFloat()
		if count <= 0 {
			return 0
		}
		return float64(utf8.RuneCountInString(this.String())) * count
	})
	pad := func(_ goja.Value, call goja.FunctionCall) float64 {
		return call.Argument(0).ToFloat()
	}
	wrap("padStart", pad)
	wrap("padEnd", pad)
}

func (e *Executor) rangeError(msg string) *goja.Object {
	ctor, ok := goja.AssertConstructor(e.vm.Get("RangeError"))
	if !ok {
		return e.vm.NewGoError(errors.New(msg))
	}
	obj, err := ctor(nil, e.vm.ToValue(msg))
	if err != nil {
		return e.vm.NewGoError(errors.New(msg))
	}
	return obj
}
