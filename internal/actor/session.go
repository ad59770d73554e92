package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotori/internal/model"
	"github.com/ashita-ai/kotori/internal/telemetry"
)

// FallbackResponse is returned to the user whenever the pipeline cannot
// produce a real answer.
const FallbackResponse = "Something went wrong on my side. Let's try that again."

// MemoryHandler is the memory actor as seen by the coordinator.
type MemoryHandler interface {
	Name() string
	HandleMessage(ctx context.Context, msg model.Message) (model.Reply, error)
	Health() Health
}

// EventSink receives events for durable logging. Save must not block on I/O.
type EventSink interface {
	Save(event model.Event) error
}

// Generator produces a response for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string, userID int64, mode string) (string, error)
}

// RetryPolicy bounds one target's coordinated calls.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// SessionOptions configures the coordinator.
type SessionOptions struct {
	ActorTimeout time.Duration
	MemoryRetry  RetryPolicy
	DefaultMode  string
}

// latencyWindowSize caps the rolling sample window for average latency.
const latencyWindowSize = 100

// Session sequences the per-message pipeline: log the inbound message,
// store the user turn, assemble context, generate, store the assistant
// turn, and log the response. Every cross-actor call is bounded and
// recorded as coordination events; memory calls retry per policy while
// the generation call gets a single attempt before the pipeline falls
// back.
type Session struct {
	base
	memory    MemoryHandler
	generator Generator
	events    EventSink
	logger    *slog.Logger
	opts      SessionOptions

	totalFlows      atomic.Int64
	successfulFlows atomic.Int64
	failedFlows     atomic.Int64
	actorTimeouts   atomic.Int64
	fallbacks       atomic.Int64

	latencyMu sync.Mutex
	latencies []float64 // seconds, most recent last
}

// NewSession creates the coordinator.
func NewSession(memory MemoryHandler, generator Generator, events EventSink, logger *slog.Logger, opts SessionOptions) *Session {
	if opts.ActorTimeout <= 0 {
		opts.ActorTimeout = 30 * time.Second
	}
	if opts.MemoryRetry.Attempts < 1 {
		opts.MemoryRetry = RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}
	}
	s := &Session{
		base:      newBase("session_coordinator"),
		memory:    memory,
		generator: generator,
		events:    events,
		logger:    logger,
		opts:      opts,
	}
	if err := s.registerMetrics(); err != nil {
		logger.Warn("session: metrics registration failed", "error", err)
	}
	return s
}

// Handle runs the full pipeline for one inbound message and always returns
// something presentable: the generated response, or FallbackResponse when
// the pipeline cannot complete.
func (s *Session) Handle(ctx context.Context, userID int64, text string) string {
	s.totalFlows.Add(1)
	s.messages.Add(1)
	start := time.Now()

	response, err := s.handle(ctx, userID, text, start)
	if err != nil {
		s.errors.Add(1)
		s.failedFlows.Add(1)
		s.fallbacks.Add(1)
		s.logger.Error("session: pipeline failed, serving fallback",
			"user_id", userID, "error", err)
		s.saveFlowEvent("user_flow_error", userID, map[string]any{
			"error": err.Error(),
		}, "error")
		return FallbackResponse
	}
	// The latency window tracks completed flows only.
	s.recordLatency(time.Since(start))
	s.successfulFlows.Add(1)
	return response
}

func (s *Session) handle(ctx context.Context, userID int64, text string, start time.Time) (string, error) {
	s.logInbound(userID, text)

	storeMsg, err := model.NewMessage(model.MsgStoreUserTurn, map[string]any{
		"user_id": userID,
		"content": text,
		"mode":    s.opts.DefaultMode,
	}, s.Name())
	if err != nil {
		return "", fmt.Errorf("actor: build store message: %w", err)
	}
	if _, err := s.callMemory(ctx, userID, storeMsg); err != nil {
		return "", fmt.Errorf("actor: store user turn: %w", err)
	}

	fetchMsg, err := model.NewMessage(model.MsgFetchContext, map[string]any{
		"user_id": userID,
	}, s.Name())
	if err != nil {
		return "", fmt.Errorf("actor: build fetch message: %w", err)
	}
	reply, err := s.callMemory(ctx, userID, fetchMsg)
	if err != nil {
		return "", fmt.Errorf("actor: fetch context: %w", err)
	}
	window, ok := reply.(model.ContextWindow)
	if !ok {
		return "", fmt.Errorf("actor: unexpected reply %T for fetch_context", reply)
	}

	prompt := formatContext(window.Turns)

	genStart := time.Now()
	response, err := s.callGenerator(ctx, userID, prompt)
	if err != nil {
		return "", fmt.Errorf("actor: generate response: %w", err)
	}
	genElapsed := time.Since(genStart)

	s.logResponse(userID, response, genElapsed)

	assistMsg, err := model.NewMessage(model.MsgStoreAssistantTurn, map[string]any{
		"user_id": userID,
		"content": response,
		"mode":    s.opts.DefaultMode,
	}, s.Name())
	if err != nil {
		return "", fmt.Errorf("actor: build assistant message: %w", err)
	}
	if _, err := s.callMemory(ctx, userID, assistMsg); err != nil {
		return "", fmt.Errorf("actor: store assistant turn: %w", err)
	}

	s.saveFlowEvent("user_flow_complete", userID, map[string]any{
		"response_time_seconds": time.Since(start).Seconds(),
		"generation_time_ms":    genElapsed.Milliseconds(),
		"context_messages":      len(window.Turns),
	}, "info")
	return response, nil
}

// callMemory routes a message to the memory actor under the memory retry
// policy and timeout bound.
func (s *Session) callMemory(ctx context.Context, userID int64, msg model.Message) (model.Reply, error) {
	var reply model.Reply
	err := s.coordinate(ctx, s.memory.Name(), userID, s.opts.MemoryRetry, func(cctx context.Context) error {
		var err error
		reply, err = s.memory.HandleMessage(cctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// callGenerator invokes the generation provider with a single bounded
// attempt. Providers retry internally if they want to; a failure here goes
// straight to the fallback path.
func (s *Session) callGenerator(ctx context.Context, userID int64, prompt string) (string, error) {
	var response string
	err := s.coordinate(ctx, s.generator.Name(), userID, RetryPolicy{Attempts: 1}, func(cctx context.Context) error {
		var err error
		response, err = s.generator.Generate(cctx, prompt, userID, s.opts.DefaultMode)
		return err
	})
	if err != nil {
		return "", err
	}
	return response, nil
}

// coordinate runs fn under the actor timeout, retrying per policy. Every
// attempt emits a request event followed by a response, timeout, or error
// event. A hung fn does not block the caller past the timeout; the goroutine
// is left to finish on its own once its context is cancelled.
func (s *Session) coordinate(ctx context.Context, target string, userID int64, policy RetryPolicy, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Delay):
			}
		}

		s.saveCoordination(target, model.CoordRequest, userID, 0, "")
		start := time.Now()

		cctx, cancel := context.WithTimeout(ctx, s.opts.ActorTimeout)
		done := make(chan error, 1)
		go func() { done <- fn(cctx) }()

		var err error
		select {
		case err = <-done:
		case <-cctx.Done():
			err = cctx.Err()
		}
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			s.saveCoordination(target, model.CoordResponse, userID, elapsed, "")
			return nil
		}

		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.actorTimeouts.Add(1)
			s.saveCoordination(target, model.CoordTimeout, userID, elapsed, err.Error())
		} else {
			s.saveCoordination(target, model.CoordError, userID, elapsed, err.Error())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("actor: call to %s: %w", target, lastErr)
		}
		s.logger.Warn("session: coordinated call failed",
			"target", target, "user_id", userID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("actor: call to %s failed after %d attempts: %w", target, policy.Attempts, lastErr)
}

// saveFlowEvent records a flow-level outcome as a system event.
func (s *Session) saveFlowEvent(subtype string, userID int64, data map[string]any, severity string) {
	event, err := model.NewSystemEvent(subtype, &userID, data, severity, s.Name())
	if err != nil {
		s.logger.Warn("session: build flow event failed", "subtype", subtype, "error", err)
		return
	}
	if err := s.events.Save(event); err != nil {
		s.logger.Warn("session: save flow event failed", "subtype", subtype, "error", err)
	}
}

func (s *Session) saveCoordination(target string, outcome model.CoordinationOutcome, userID int64, elapsed time.Duration, errMsg string) {
	event, err := model.NewCoordinationEvent(s.Name(), target, outcome, &userID, elapsed, errMsg)
	if err != nil {
		s.logger.Warn("session: build coordination event failed", "error", err)
		return
	}
	if err := s.events.Save(event); err != nil {
		s.logger.Warn("session: save coordination event failed", "error", err)
	}
}

func (s *Session) logInbound(userID int64, text string) {
	event, err := model.NewUserMessageEvent(userID, text)
	if err != nil {
		s.logger.Warn("session: build user message event failed", "user_id", userID, "error", err)
		return
	}
	if err := s.events.Save(event); err != nil {
		s.logger.Warn("session: save user message event failed", "user_id", userID, "error", err)
	}
}

func (s *Session) logResponse(userID int64, text string, elapsed time.Duration) {
	event, err := model.NewBotResponseEvent(userID, text, elapsed, s.opts.DefaultMode)
	if err != nil {
		s.logger.Warn("session: build bot response event failed", "user_id", userID, "error", err)
		return
	}
	if err := s.events.Save(event); err != nil {
		s.logger.Warn("session: save bot response event failed", "user_id", userID, "error", err)
	}
}

// formatContext renders turns as "role: content" lines, oldest first.
func formatContext(turns []model.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Content))
	}
	return strings.Join(lines, "\n")
}

func (s *Session) recordLatency(d time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if len(s.latencies) >= latencyWindowSize {
		s.latencies = s.latencies[1:]
	}
	s.latencies = append(s.latencies, d.Seconds())
}

func (s *Session) avgLatency() float64 {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.latencies {
		sum += v
	}
	return sum / float64(len(s.latencies))
}

// Stats is a snapshot of the coordinator's flow counters.
type Stats struct {
	TotalFlows        int64   `json:"total_flows"`
	SuccessfulFlows   int64   `json:"successful_flows"`
	FailedFlows       int64   `json:"failed_flows"`
	ActorTimeouts     int64   `json:"actor_timeouts"`
	FallbackResponses int64   `json:"fallback_responses"`
	SuccessRate       float64 `json:"success_rate"`
	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
}

// Stats returns current counters and the rolling average latency.
func (s *Session) Stats() Stats {
	total := s.totalFlows.Load()
	var rate float64
	if total > 0 {
		rate = float64(s.successfulFlows.Load()) / float64(total)
	}
	return Stats{
		TotalFlows:        total,
		SuccessfulFlows:   s.successfulFlows.Load(),
		FailedFlows:       s.failedFlows.Load(),
		ActorTimeouts:     s.actorTimeouts.Load(),
		FallbackResponses: s.fallbacks.Load(),
		SuccessRate:       rate,
		AvgLatencySeconds: s.avgLatency(),
	}
}

// HealthReport aggregates the coordinator's health with its collaborators.
type HealthReport struct {
	Coordinator Health `json:"coordinator"`
	Memory      Health `json:"memory"`
	Stats       Stats  `json:"stats"`
}

// HealthCheck snapshots the coordinator and the memory actor.
func (s *Session) HealthCheck() HealthReport {
	return HealthReport{
		Coordinator: s.health(),
		Memory:      s.memory.Health(),
		Stats:       s.Stats(),
	}
}

func (s *Session) registerMetrics() error {
	meter := telemetry.Meter("kotori.session")

	flows, err := meter.Int64ObservableGauge("kotori.session.flows_total",
		metric.WithDescription("Total message flows handled"))
	if err != nil {
		return fmt.Errorf("actor: create flows gauge: %w", err)
	}
	failed, err := meter.Int64ObservableGauge("kotori.session.flows_failed",
		metric.WithDescription("Message flows that ended in a fallback response"))
	if err != nil {
		return fmt.Errorf("actor: create failed gauge: %w", err)
	}
	timeouts, err := meter.Int64ObservableGauge("kotori.session.actor_timeouts",
		metric.WithDescription("Coordinated calls that exceeded the actor timeout"))
	if err != nil {
		return fmt.Errorf("actor: create timeouts gauge: %w", err)
	}
	latency, err := meter.Float64ObservableGauge("kotori.session.avg_latency_seconds",
		metric.WithDescription("Rolling average pipeline latency"))
	if err != nil {
		return fmt.Errorf("actor: create latency gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(flows, s.totalFlows.Load())
		o.ObserveInt64(failed, s.failedFlows.Load())
		o.ObserveInt64(timeouts, s.actorTimeouts.Load())
		o.ObserveFloat64(latency, s.avgLatency())
		return nil
	}, flows, failed, timeouts, latency)
	if err != nil {
		return fmt.Errorf("actor: register metrics callback: %w", err)
	}
	return nil
}
