package jsruntime

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

type jsHandler struct {
	module *Module
}

// Handle evaluates the module and calls the handler in one step.
func (h *jsHandler) Handle(inv *lambdatester.Invocation) error {
	call, err := h.Init(inv)
	if err != nil {
		return err
	}
	return call.Handle(inv)
}

// Init creates the runtime and evaluates the entry module. Timers scheduled
// at module scope exist before the leak baseline is taken.
func (h *jsHandler) Init(inv *lambdatester.Invocation) (lambdatester.Handler, error) {
	s := &session{
		module:  h.module,
		rt:      goja.New(),
		inv:     inv,
		timers:  map[int64]*eventloop.Timer{},
		modules: map[string]*goja.Object{},
	}
	rt := s.rt
	inv.OnInterrupt(func(reason string) { rt.Interrupt(reason) })

	if err := s.bindConsole(); err != nil {
		return nil, err
	}
	if err := s.bindTimers(); err != nil {
		return nil, err
	}
	if err := s.bindProcess(); err != nil {
		return nil, err
	}

	exports, err := s.require(h.module.manifest.Entry)
	if err != nil {
		return nil, err
	}
	fn, err := s.exportedHandler(exports)
	if err != nil {
		return nil, err
	}
	return &jsCall{session: s, fn: fn}, nil
}

type session struct {
	module  *Module
	rt      *goja.Runtime
	inv     *lambdatester.Invocation
	timers  map[int64]*eventloop.Timer
	nextID  int64
	modules map[string]*goja.Object
}

// require evaluates a bundle file once per runtime and returns its
// module.exports.
func (s *session) require(name string) (*goja.Object, error) {
	if mod, ok := s.modules[name]; ok {
		return mod.Get("exports").ToObject(s.rt), nil
	}
	rt := s.rt
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	s.modules[name] = module

	if path.Ext(name) == ".json" {
		var v any
		if err := json.Unmarshal(s.module.files[name], &v); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := module.Set("exports", rt.ToValue(v)); err != nil {
			return nil, err
		}
		return module.Get("exports").ToObject(rt), nil
	}

	p, err := s.module.program(name)
	if err != nil {
		return nil, err
	}
	wrapper, err := rt.RunProgram(p)
	if err != nil {
		return nil, toError(err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("%s: module wrapper is not callable", name)
	}
	requireFn := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		modID := call.Argument(0).String()
		target, ok := s.module.resolve(name, modID)
		if !ok {
			panic(rt.NewGoError(fmt.Errorf("Cannot find module '%s'", modID)))
		}
		exported, err := s.require(target)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return exported
	})
	filename := path.Join(s.module.root, name)
	if _, err := fn(goja.Undefined(), exports, requireFn, module, rt.ToValue(filename), rt.ToValue(path.Dir(filename))); err != nil {
		return nil, toError(err)
	}
	return module.Get("exports").ToObject(rt), nil
}

func (s *session) exportedHandler(exports *goja.Object) (goja.Callable, error) {
	name := s.module.manifest.Handler
	if fn, ok := goja.AssertFunction(exports.Get(name)); ok {
		return fn, nil
	}
	if name == "default" || name == "handler" {
		if fn, ok := goja.AssertFunction(exports.Get("default")); ok {
			return fn, nil
		}
		if fn, ok := goja.AssertFunction(exports); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%s.%s is undefined or not exported", trimExt(s.module.manifest.Entry), name)
}

func (s *session) bindConsole() error {
	console := s.rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		lvl := level
		if lvl == "log" {
			lvl = "info"
		}
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			var v any
			switch len(call.Arguments) {
			case 0:
			case 1:
				v = exportValue(call.Argument(0))
			default:
				args := make([]any, 0, len(call.Arguments))
				for _, a := range call.Arguments {
					args = append(args, exportValue(a))
				}
				v = args
			}
			s.inv.Log(lvl, v)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return s.rt.Set("console", console)
}

func (s *session) bindTimers() error {
	rt := s.rt
	loop := s.inv.Loop()
	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout": func(call goja.FunctionCall) goja.Value {
			return s.schedule(call, func(d time.Duration, fn func()) *eventloop.Timer { return loop.SetTimeout(d, fn) }, true, false)
		},
		"setInterval": func(call goja.FunctionCall) goja.Value {
			return s.schedule(call, func(d time.Duration, fn func()) *eventloop.Timer { return loop.SetInterval(d, fn) }, true, true)
		},
		"setImmediate": func(call goja.FunctionCall) goja.Value {
			return s.schedule(call, func(_ time.Duration, fn func()) *eventloop.Timer { return loop.SetImmediate(fn) }, false, false)
		},
		"clearTimeout":   s.clear,
		"clearInterval":  s.clear,
		"clearImmediate": s.clear,
	}
	for name, fn := range bindings {
		if err := rt.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// maxTimerDelayMS is the largest delay a timer accepts, 2^31-1 ms. Larger
// delays fire after 1ms, as they do in Node.
const maxTimerDelayMS = 1<<31 - 1

func timerDelay(ms float64) time.Duration {
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms > maxTimerDelayMS:
		return time.Millisecond
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// schedule registers a JS timer on the loop. The returned id is what the
// clear functions accept.
func (s *session) schedule(call goja.FunctionCall, set func(time.Duration, func()) *eventloop.Timer, hasDelay, repeat bool) goja.Value {
	rt := s.rt
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(rt.NewTypeError("callback must be a function"))
	}
	var delay time.Duration
	argStart := 1
	if hasDelay {
		delay = timerDelay(call.Argument(1).ToFloat())
		argStart = 2
	}
	var args []goja.Value
	if len(call.Arguments) > argStart {
		args = append(args, call.Arguments[argStart:]...)
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = set(delay, func() {
		if !repeat {
			delete(s.timers, id)
		}
		if _, err := fn(goja.Undefined(), args...); err != nil {
			panic(toError(err))
		}
	})
	return rt.ToValue(id)
}

func (s *session) clear(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return goja.Undefined()
	}
	id := arg.ToInteger()
	if t, ok := s.timers[id]; ok {
		t.Clear()
		delete(s.timers, id)
	}
	return goja.Undefined()
}

func (s *session) bindProcess() error {
	rt := s.rt
	ctx := s.inv.Context()
	env := map[string]any{
		"LAMBDA_TASK_ROOT":                s.module.root,
		"AWS_LAMBDA_FUNCTION_NAME":        ctx.FunctionName,
		"AWS_LAMBDA_FUNCTION_VERSION":     ctx.FunctionVersion,
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE": strconv.Itoa(ctx.MemoryLimitInMB),
		"AWS_LAMBDA_LOG_GROUP_NAME":       ctx.LogGroupName,
		"AWS_LAMBDA_LOG_STREAM_NAME":      ctx.LogStreamName,
		"_HANDLER":                        trimExt(s.module.manifest.Entry) + "." + s.module.manifest.Handler,
	}
	for k, v := range s.module.env {
		env[k] = v
	}
	process := rt.NewObject()
	if err := process.Set("env", env); err != nil {
		return err
	}
	if err := process.Set("nextTick", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(rt.NewTypeError("callback must be a function"))
		}
		args := append([]goja.Value(nil), call.Arguments[1:]...)
		_ = s.inv.Loop().Post(func() {
			if _, err := fn(goja.Undefined(), args...); err != nil {
				panic(toError(err))
			}
		})
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return rt.Set("process", process)
}

// jsCall is the per-invocation handler returned by Init.
type jsCall struct {
	session *session
	fn      goja.Callable
}

func (c *jsCall) Handle(inv *lambdatester.Invocation) error {
	s := c.session
	rt := s.rt
	event, err := s.eventValue(inv.Event())
	if err != nil {
		return err
	}
	ctxObj, err := s.contextObject(inv.Context())
	if err != nil {
		return err
	}
	callback := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		inv.Callback(errorValue(call.Argument(0)), exportValue(call.Argument(1)))
		return goja.Undefined()
	})

	ret, err := c.fn(goja.Undefined(), event, ctxObj, callback)
	if err != nil {
		return toError(err)
	}
	return s.awaitReturn(ret)
}

// awaitReturn settles the invocation when the handler returned a promise:
// resolution is a callback result, rejection a callback error.
func (s *session) awaitReturn(ret goja.Value) error {
	if _, ok := ret.Export().(*goja.Promise); !ok {
		return nil
	}
	rt := s.rt
	obj := ret.ToObject(rt)
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return nil
	}
	onResolve := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		s.inv.Callback(nil, exportValue(call.Argument(0)))
		return goja.Undefined()
	})
	onReject := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		err := errorValue(call.Argument(0))
		if err == nil {
			err = &Error{Name: "Error", Message: "promise rejected"}
		}
		s.inv.Callback(err, nil)
		return goja.Undefined()
	})
	if _, err := then(obj, onResolve, onReject); err != nil {
		return toError(err)
	}
	return nil
}

// eventValue hands the handler a plain JS copy of the event.
func (s *session) eventValue(event any) (goja.Value, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	parse, ok := goja.AssertFunction(s.rt.Get("JSON").ToObject(s.rt).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	v, err := parse(goja.Undefined(), s.rt.ToValue(string(raw)))
	if err != nil {
		return nil, toError(err)
	}
	return v, nil
}

func (s *session) contextObject(c *lambdatester.Context) (*goja.Object, error) {
	rt := s.rt
	obj := rt.NewObject()
	for k, v := range c.Fields() {
		if err := obj.Set(k, v); err != nil {
			return nil, err
		}
	}
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"succeed": func(call goja.FunctionCall) goja.Value {
			c.Succeed(exportValue(call.Argument(0)))
			return goja.Undefined()
		},
		"fail": func(call goja.FunctionCall) goja.Value {
			c.Fail(errorValue(call.Argument(0)))
			return goja.Undefined()
		},
		"done": func(call goja.FunctionCall) goja.Value {
			c.Done(errorValue(call.Argument(0)), exportValue(call.Argument(1)))
			return goja.Undefined()
		},
		"getRemainingTimeInMillis": func(goja.FunctionCall) goja.Value {
			return rt.ToValue(c.RemainingTimeInMillis())
		},
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func trimExt(name string) string {
	return name[:len(name)-len(path.Ext(name))]
}
