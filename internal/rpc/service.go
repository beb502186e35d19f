// Package rpc turns broker queues into request/response calls between
// services. A service consumes "rpc.<name>"; a caller publishes a request
// there and waits on its own per-call reply queue
// "rpc.<caller>.reply.<request id>".
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
	"github.com/BrentGruber/Basidia/internal/stats"
)

// DefaultCallTimeout bounds a call when no shorter deadline applies
const DefaultCallTimeout = 30 * time.Second

// Service serves a Definition's methods and issues calls to other services
type Service struct {
	name        string
	broker      broker.Broker
	methods     map[string]MethodFunc
	intercept   Interceptor
	pending     *pendingTable
	callTimeout time.Duration

	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	mu       sync.Mutex
	inbound  broker.Subscription
	requests *broker.TaskGroup
}

// Option configures a Service
type Option func(*Service)

// WithBroker binds the broker used to serve and to call
func WithBroker(b broker.Broker) Option {
	return func(s *Service) { s.broker = b }
}

// WithName overrides the service identity
func WithName(name string) Option {
	return func(s *Service) { s.name = name }
}

// WithCallTimeout sets the outbound call timeout
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithInterceptors wraps every served method, first interceptor outermost
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(s *Service) { s.intercept = Chain(interceptors...) }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStats enables the shared stats collector
func WithStats(st *stats.StatsCollector) Option {
	return func(s *Service) { s.stats = st }
}

// NewService builds the method table of def. def may be nil for a service
// that only issues calls, in which case WithName is required.
func NewService(def Definition, opts ...Option) (*Service, error) {
	s := &Service{
		methods:     make(map[string]MethodFunc),
		intercept:   Chain(),
		pending:     newPendingTable(),
		callTimeout: DefaultCallTimeout,
		requests:    broker.NewTaskGroup(nil),
	}
	if def != nil {
		s.name = serviceName(def)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.name == "" {
		return nil, fmt.Errorf("rpc: service name is required")
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.stats == nil {
		s.stats = stats.NewStatsCollector()
	}
	s.logger = s.logger.With("service", s.name)

	if def != nil {
		for _, m := range def.Methods() {
			if m.Name == "" || m.Func == nil {
				return nil, fmt.Errorf("rpc: invalid method %q on service %q", m.Name, s.name)
			}
			if _, exists := s.methods[m.Name]; exists {
				return nil, fmt.Errorf("%w: %s.%s", ErrMethodExists, s.name, m.Name)
			}
			s.methods[m.Name] = m.Func
		}
	}

	return s, nil
}

// Name returns the service identity
func (s *Service) Name() string {
	return s.name
}

// Broker returns the bound broker, which may be nil
func (s *Service) Broker() broker.Broker {
	return s.broker
}

// Methods returns the names of the served methods
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

// Pending returns the number of outstanding outbound calls
func (s *Service) Pending() int {
	return s.pending.len()
}

// Start connects the broker and begins serving the inbound queue
func (s *Service) Start(ctx context.Context) error {
	if s.broker == nil {
		return ErrNoBroker
	}

	if err := s.broker.Connect(ctx); err != nil {
		return err
	}

	queue := InboundQueueName(s.name)
	if err := s.broker.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to declare %s: %w", queue, err)
	}

	sub, err := s.broker.Consume(ctx, queue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	s.mu.Lock()
	previous := s.inbound
	s.inbound = sub
	s.mu.Unlock()
	if previous != nil {
		previous.Cancel()
	}

	s.logger.Info("service started", "queue", queue, "methods", len(s.methods))
	return nil
}

// Stop stops serving, cancels the requests in flight and waits for them to
// return. The broker stays connected.
func (s *Service) Stop() {
	s.mu.Lock()
	sub := s.inbound
	s.inbound = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if err := s.requests.CancelAll(context.Background()); err != nil {
		s.logger.Warn("requests ended with errors", "error", err)
	}
	if sub != nil {
		s.logger.Info("service stopped")
	}
}

// InFlight returns the number of requests being served
func (s *Service) InFlight() int {
	return s.requests.Len()
}

// handleRequest decodes one inbound request envelope and serves it on its
// own task, so the inbound consumer is free while a method waits on a call
// of its own
func (s *Service) handleRequest(ctx context.Context, payload []byte) error {
	req, err := DecodeRequest(payload)
	if err != nil {
		s.stats.MessageDropped()
		replyTo, requestID, ok := recoverReplyTarget(payload)
		if !ok {
			s.logger.Error("dropping malformed request", "error", err)
			return nil
		}
		s.logger.Warn("malformed request", "error", err, "replyTo", replyTo)
		return s.reply(ctx, replyTo, errorResponse(requestID, err.Error()))
	}

	s.requests.Go(ctx, func(ctx context.Context) error {
		resp := s.dispatch(ctx, req)
		if err := s.reply(ctx, req.ReplyTo, resp); err != nil {
			s.logger.Error("failed to send response",
				"method", req.Method,
				"requestId", req.RequestID,
				"error", err)
		}
		return nil
	})
	return nil
}

func (s *Service) dispatch(ctx context.Context, req *Request) *Response {
	fn, ok := s.methods[req.Method]
	if !ok {
		s.recordRequest(req.Method, "not_found")
		return errorResponse(req.RequestID,
			fmt.Sprintf("method %q not found on service %q", req.Method, s.name))
	}

	call := &Call{
		Method:  req.Method,
		Args:    req.Args,
		Kwargs:  req.Kwargs,
		service: s,
	}

	result, err := s.invoke(ctx, fn, call)
	if err != nil {
		s.recordRequest(req.Method, "error")
		return errorResponse(req.RequestID, err.Error())
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.recordRequest(req.Method, "error")
		return errorResponse(req.RequestID, fmt.Sprintf("failed to encode result: %v", err))
	}

	s.recordRequest(req.Method, "success")
	return successResponse(req.RequestID, raw)
}

// invoke runs fn through the interceptors, turning a panic into an error
func (s *Service) invoke(ctx context.Context, fn MethodFunc, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc method panicked", "method", call.Method, "panic", r)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.intercept(fn)(ctx, call)
}

func (s *Service) reply(ctx context.Context, replyTo string, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := s.broker.Publish(ctx, replyTo, payload, broker.WithContentType("application/json")); err != nil {
		return fmt.Errorf("failed to publish response to %s: %w", replyTo, err)
	}
	return nil
}

func (s *Service) recordRequest(method, status string) {
	s.stats.RequestServed(status != "success")
	if s.metrics != nil {
		s.metrics.IncRPCRequests(s.name, method, status)
	}
}

// handleResponse resolves the pending call matching a reply envelope.
// Undecodable, unknown and duplicate replies are dropped.
func (s *Service) handleResponse(ctx context.Context, payload []byte) error {
	resp, err := DecodeResponse(payload)
	if err != nil {
		s.stats.MessageDropped()
		s.logger.Error("dropping malformed response", "error", err)
		return nil
	}

	if !s.pending.resolve(resp) {
		s.stats.UnmatchedReply()
		s.logger.Debug("ignoring unmatched response", "requestId", resp.RequestID)
	}
	return nil
}

// Call invokes method on the target service with positional args and
// returns the raw JSON result
func (s *Service) Call(ctx context.Context, target, method string, args ...any) (json.RawMessage, error) {
	return s.CallKw(ctx, target, method, nil, args...)
}

// CallKw invokes method with positional and keyword arguments
func (s *Service) CallKw(ctx context.Context, target, method string, kwargs map[string]any, args ...any) (json.RawMessage, error) {
	if s.broker == nil {
		return nil, ErrNoBroker
	}

	req, err := NewRequest(method, args, kwargs)
	if err != nil {
		return nil, err
	}
	req.RequestID = uuid.Must(uuid.NewV7()).String()
	req.ReplyTo = ReplyQueueName(s.name, req.RequestID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	result, status, err := s.roundTrip(ctx, target, req, payload)
	if s.metrics != nil {
		s.metrics.ObserveRPCCall(target, status, time.Since(start))
	}
	return result, err
}

func (s *Service) roundTrip(ctx context.Context, target string, req *Request, payload []byte) (json.RawMessage, string, error) {
	// the slot and the reply consumer exist before the request is published
	slot := s.pending.add(req.RequestID)
	s.addPending(1)
	defer func() {
		s.pending.remove(req.RequestID)
		s.addPending(-1)
	}()

	sub, err := s.broker.Consume(ctx, req.ReplyTo, s.handleResponse,
		broker.Durable(false), broker.AutoDelete(true))
	if err != nil {
		return nil, "error", fmt.Errorf("failed to consume %s: %w", req.ReplyTo, err)
	}
	defer sub.Cancel()

	if err := s.broker.Publish(ctx, InboundQueueName(target), payload, broker.WithContentType("application/json")); err != nil {
		return nil, "error", fmt.Errorf("failed to publish request: %w", err)
	}
	s.stats.CallIssued()

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-slot.ch:
		if resp.Error != nil {
			s.stats.CallFailed()
			return nil, "error", &RemoteError{Service: target, Method: req.Method, Message: *resp.Error}
		}
		return resp.Result, "success", nil

	case <-timer.C:
		s.stats.CallTimedOut()
		s.logger.Warn("rpc call timed out",
			"target", target,
			"method", req.Method,
			"requestId", req.RequestID,
			"timeout", s.callTimeout)
		return nil, "timeout", fmt.Errorf("%w: %s.%s after %s", ErrRPCTimeout, target, req.Method, s.callTimeout)

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.stats.CallTimedOut()
			return nil, "timeout", fmt.Errorf("%w: %s.%s: %w", ErrRPCTimeout, target, req.Method, ctx.Err())
		}
		return nil, "cancelled", ctx.Err()
	}
}

func (s *Service) addPending(delta float64) {
	if s.metrics != nil {
		s.metrics.AddPendingRequests(delta)
	}
}

// CallAs invokes method on target and decodes the result into T
func CallAs[T any](ctx context.Context, s *Service, target, method string, args ...any) (T, error) {
	var out T
	raw, err := s.Call(ctx, target, method, args...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode result of %s.%s: %w", target, method, err)
	}
	return out, nil
}
