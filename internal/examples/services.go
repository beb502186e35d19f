// Package examples holds two small services that demonstrate nested RPC:
// "user" answers get_greeting by calling "greeting".hello.
package examples

import (
	"context"
	"fmt"

	"github.com/BrentGruber/Basidia/internal/rpc"
)

// GreetingService answers hello(name)
type GreetingService struct{}

func (GreetingService) ServiceName() string { return "greeting" }

func (s GreetingService) Methods() []rpc.Method {
	return []rpc.Method{
		rpc.Expose("hello", s.hello),
	}
}

func (GreetingService) hello(ctx context.Context, call *rpc.Call) (any, error) {
	name, err := call.String(0, "name")
	if err != nil {
		return nil, err
	}
	return Hello(name), nil
}

// Hello formats the greeting for name
func Hello(name string) string {
	return fmt.Sprintf("Hello, %s!", name)
}

// UserService answers get_greeting(user_name) through the greeting service
type UserService struct{}

func (UserService) ServiceName() string { return "user" }

func (s UserService) Methods() []rpc.Method {
	return []rpc.Method{
		rpc.Expose("get_greeting", s.getGreeting),
	}
}

func (UserService) getGreeting(ctx context.Context, call *rpc.Call) (any, error) {
	userName, err := call.String(0, "user_name")
	if err != nil {
		return nil, err
	}

	greeting, err := rpc.CallAs[string](ctx, call.Service(), "greeting", "hello", userName)
	if err != nil {
		return nil, err
	}
	return "User service says: " + greeting, nil
}

// Definitions returns every example service
func Definitions() []rpc.Definition {
	return []rpc.Definition{GreetingService{}, UserService{}}
}
