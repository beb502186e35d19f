package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/BrentGruber/Basidia/internal/rpc"
)

// parseTarget splits "service.method"
func parseTarget(target string) (service, method string, err error) {
	i := strings.LastIndex(target, ".")
	if i <= 0 || i == len(target)-1 {
		return "", "", fmt.Errorf("invalid call target %q, want service.method", target)
	}
	return target[:i], target[i+1:], nil
}

// parseArgs decodes a JSON array of positional arguments
func parseArgs(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid -args, want a JSON array: %w", err)
	}
	return args, nil
}

// runCall performs one call from a client-only service and prints the result
func runCall(ctx context.Context, target, rawArgs string, opts []rpc.Option) error {
	service, method, err := parseTarget(target)
	if err != nil {
		return err
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	client, err := rpc.NewService(nil, opts...)
	if err != nil {
		return err
	}

	result, err := client.Call(ctx, service, method, args...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(result))
	return err
}
