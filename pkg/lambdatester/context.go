package lambdatester

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultFunctionName = "lambda-tester"
	defaultVersion      = "$LATEST"
	defaultMemoryMB     = 128
	defaultRegion       = "us-east-1"
	defaultAccount      = "000000000000"
)

// Context is the execution context handed to a handler. Completion methods
// are first-wins: once any terminal signal was accepted the rest are
// discarded.
type Context struct {
	FunctionName                   string
	FunctionVersion                string
	InvokedFunctionArn             string
	MemoryLimitInMB                int
	AwsRequestID                   string
	LogGroupName                   string
	LogStreamName                  string
	CallbackWaitsForEmptyEventLoop bool

	extra map[string]any
	arb   *arbiter
	guard *timeoutGuard
}

func newContext(overrides map[string]any, arb *arbiter, guard *timeoutGuard) *Context {
	c := &Context{
		FunctionName:                   defaultFunctionName,
		FunctionVersion:                defaultVersion,
		MemoryLimitInMB:                defaultMemoryMB,
		AwsRequestID:                   uuid.NewString(),
		CallbackWaitsForEmptyEventLoop: true,
		extra:                          map[string]any{},
		arb:                            arb,
		guard:                          guard,
	}
	c.apply(overrides)
	if c.InvokedFunctionArn == "" {
		c.InvokedFunctionArn = fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", defaultRegion, defaultAccount, c.FunctionName)
	}
	if c.LogGroupName == "" {
		c.LogGroupName = "/aws/lambda/" + c.FunctionName
	}
	if c.LogStreamName == "" {
		c.LogStreamName = fmt.Sprintf("%s/[%s]%s", time.Now().UTC().Format("2006/01/02"), c.FunctionVersion, strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return c
}

// apply merges overrides. Keys naming a standard field with a compatible type
// set that field; everything else is kept as an extra property.
func (c *Context) apply(overrides map[string]any) {
	for key, value := range overrides {
		if !c.setField(key, value) {
			c.extra[key] = value
		}
	}
}

func (c *Context) setField(key string, value any) bool {
	switch key {
	case "functionName":
		return setString(&c.FunctionName, value)
	case "functionVersion":
		return setString(&c.FunctionVersion, value)
	case "invokedFunctionArn":
		return setString(&c.InvokedFunctionArn, value)
	case "awsRequestId":
		return setString(&c.AwsRequestID, value)
	case "logGroupName":
		return setString(&c.LogGroupName, value)
	case "logStreamName":
		return setString(&c.LogStreamName, value)
	case "memoryLimitInMB":
		switch v := value.(type) {
		case int:
			c.MemoryLimitInMB = v
		case int64:
			c.MemoryLimitInMB = int(v)
		case float64:
			c.MemoryLimitInMB = int(v)
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return false
			}
			c.MemoryLimitInMB = n
		default:
			return false
		}
		return true
	case "callbackWaitsForEmptyEventLoop":
		b, ok := value.(bool)
		if ok {
			c.CallbackWaitsForEmptyEventLoop = b
		}
		return ok
	}
	return false
}

func setString(dst *string, value any) bool {
	s, ok := value.(string)
	if ok {
		*dst = s
	}
	return ok
}

// Value returns an override that does not map to a standard field.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.extra[key]
	return v, ok
}

// Fields returns every property under its camelCase name, extras included.
func (c *Context) Fields() map[string]any {
	out := map[string]any{
		"functionName":                   c.FunctionName,
		"functionVersion":                c.FunctionVersion,
		"invokedFunctionArn":             c.InvokedFunctionArn,
		"memoryLimitInMB":                c.MemoryLimitInMB,
		"awsRequestId":                   c.AwsRequestID,
		"logGroupName":                   c.LogGroupName,
		"logStreamName":                  c.LogStreamName,
		"callbackWaitsForEmptyEventLoop": c.CallbackWaitsForEmptyEventLoop,
	}
	for k, v := range c.extra {
		out[k] = v
	}
	return out
}

// ExtraKeys lists the non-standard override keys in sorted order.
func (c *Context) ExtraKeys() []string {
	keys := make([]string, 0, len(c.extra))
	for k := range c.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Context) Succeed(result any) {
	c.arb.settle(Outcome{Kind: OutcomeSucceeded, Result: result})
}

func (c *Context) Fail(err error) {
	c.arb.settle(Outcome{Kind: OutcomeFailed, Err: err})
}

// Done maps to Fail when err is non-nil and to Succeed otherwise.
func (c *Context) Done(err error, result any) {
	if err != nil {
		c.Fail(err)
		return
	}
	c.Succeed(result)
}

// RemainingTimeInMillis is never negative.
func (c *Context) RemainingTimeInMillis() int64 {
	return c.guard.remaining().Milliseconds()
}
