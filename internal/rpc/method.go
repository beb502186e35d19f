package rpc

import (
	"context"
	"reflect"

	json "github.com/goccy/go-json"
)

// MethodFunc implements one RPC-exposed operation. The returned value is
// encoded as the response result.
type MethodFunc func(ctx context.Context, call *Call) (any, error)

// Method is a named RPC-exposed operation
type Method struct {
	Name string
	Func MethodFunc
}

// Expose tags fn as RPC-exposed under name
func Expose(name string, fn MethodFunc) Method {
	return Method{Name: name, Func: fn}
}

// Definition is implemented by anything that can be served as a service. It
// lists every RPC-exposed operation once, at service construction.
type Definition interface {
	Methods() []Method
}

// Named lets a definition choose its service identity
type Named interface {
	ServiceName() string
}

// serviceName returns the identity of def: ServiceName when implemented,
// otherwise its concrete type name.
func serviceName(def Definition) string {
	if n, ok := def.(Named); ok && n.ServiceName() != "" {
		return n.ServiceName()
	}
	t := reflect.TypeOf(def)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Call is one inbound invocation: the raw arguments plus the serving
// Service, so methods can issue calls of their own.
type Call struct {
	Method  string
	Args    []json.RawMessage
	Kwargs  map[string]json.RawMessage
	service *Service
}

// Service returns the service handling this call
func (c *Call) Service() *Service {
	return c.service
}

// NumArgs returns the number of positional arguments
func (c *Call) NumArgs() int {
	return len(c.Args)
}

// Bind decodes positional argument i into v
func (c *Call) Bind(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return &ArgumentError{Position: i, Err: ErrMissingArgument}
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return &ArgumentError{Position: i, Err: err}
	}
	return nil
}

// BindKw decodes keyword argument name into v
func (c *Call) BindKw(name string, v any) error {
	raw, ok := c.Kwargs[name]
	if !ok {
		return &ArgumentError{Name: name, Err: ErrMissingArgument}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ArgumentError{Name: name, Err: err}
	}
	return nil
}

// HasKw reports whether keyword argument name was passed
func (c *Call) HasKw(name string) bool {
	_, ok := c.Kwargs[name]
	return ok
}

// String returns positional argument i, falling back to keyword argument
// name, as a string
func (c *Call) String(i int, name string) (string, error) {
	var s string
	if i < len(c.Args) {
		return s, c.Bind(i, &s)
	}
	if name != "" && c.HasKw(name) {
		return s, c.BindKw(name, &s)
	}
	return "", &ArgumentError{Position: i, Name: name, Err: ErrMissingArgument}
}

// Int returns positional argument i, falling back to keyword argument name,
// as an int
func (c *Call) Int(i int, name string) (int, error) {
	var n int
	if i < len(c.Args) {
		return n, c.Bind(i, &n)
	}
	if name != "" && c.HasKw(name) {
		return n, c.BindKw(name, &n)
	}
	return 0, &ArgumentError{Position: i, Name: name, Err: ErrMissingArgument}
}
