package jsruntime

import (
	"errors"

	"github.com/dop251/goja"
)

// Error is a JavaScript exception or error value converted to Go. Error()
// returns the JS message unchanged.
type Error struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	// Value holds a thrown value that was not an Error object.
	Value any `json:"value,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// toError converts an error returned by goja into *Error. An *Error raised
// from a binding is returned unchanged.
func toError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Error{Name: "InterruptedError", Message: interrupted.Error()}
	}
	var exc *goja.Exception
	if !errors.As(err, &exc) {
		return err
	}
	if goErr, ok := exc.Value().Export().(error); ok {
		var jsErr *Error
		if errors.As(goErr, &jsErr) {
			return jsErr
		}
	}
	converted := errorFromValue(exc.Value())
	if converted.Stack == "" {
		converted.Stack = exc.String()
	}
	return converted
}

// errorValue converts the error argument of callback, fail or done. Absent
// values mean no error.
func errorValue(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return errorFromValue(v)
}

func errorFromValue(v goja.Value) *Error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &Error{Message: "undefined"}
	}
	obj, isObj := v.(*goja.Object)
	if !isObj {
		return &Error{Message: v.String(), Value: v.Export()}
	}
	out := &Error{}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		out.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		out.Message = msg.String()
	} else {
		out.Message = obj.String()
		out.Value = obj.Export()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		out.Stack = stack.String()
	}
	return out
}
