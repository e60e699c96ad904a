// Package llm implements the multi-endpoint LLM routing layer (spec.md C1):
// given a logical role and a prompt, it resolves a policy.RoleConfig, picks
// an endpoint by per-role round-robin, enforces a tier-derived timeout,
// truncates the prompt to fit the role's context window, and returns text.
//
// The router never interprets the returned text as JSON or anything else; it
// is a pure text-in/text-out contract. Callers (eval, escalate, pipeline)
// own parsing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/policy"
	"github.com/codeevolver/evolver/telemetry"
)

// ErrRouterUnavailable is returned when every endpoint (and every fallback
// backend) for a role has failed.
var ErrRouterUnavailable = errors.New("llm: router unavailable, all endpoints and fallbacks exhausted")

// ErrContextOverflow is returned when a prompt cannot be truncated to fit the
// role's context window without dropping the system prompt.
var ErrContextOverflow = errors.New("llm: prompt exceeds context window even after truncation")

// reservedOutputTokens is subtracted from the context window before
// truncation, leaving room for the model's response.
const reservedOutputTokens = 1024

// charsPerToken is a conservative heuristic used to approximate token counts
// without depending on a tokenizer library; Code Evolver only needs
// truncation to be roughly right, not exact (spec.md §4.1 step 4).
const charsPerToken = 4

// Factory constructs a model.Client bound to a specific endpoint and model
// identifier for one backend family.
type Factory func(endpoint, modelID string) (model.Client, error)

// Options specialises a single Generate call.
type Options struct {
	// Model overrides the policy-resolved model identifier.
	Model string

	// Temperature overrides the role's default temperature when non-nil.
	Temperature *float64

	// MaxTokens overrides the adapter's default completion cap when non-zero.
	MaxTokens int

	// SystemPrompt is prepended as a ConversationRoleSystem message and is
	// never dropped by truncation.
	SystemPrompt string

	// Category selects a task-category policy override (spec.md §4.9).
	Category string
}

type roleState struct {
	mu      sync.Mutex
	clients []model.Client // one per resolved endpoint, lazily built
	counter atomic.Uint64
	cfg     policy.RoleConfig
}

// Router is the C1 LLM Router.
type Router struct {
	resolver  *policy.Resolver
	factories map[policy.Backend]Factory

	mu    sync.Mutex
	roles map[string]*roleState

	logger telemetry.Logger
	tracer telemetry.Tracer
	debug  bool
}

// New builds a Router from a policy.Resolver and the set of backend
// factories available in this process. Factories for backends that are never
// referenced by the policy document may be omitted.
func New(resolver *policy.Resolver, factories map[policy.Backend]Factory, logger telemetry.Logger, tracer telemetry.Tracer) *Router {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Router{
		resolver:  resolver,
		factories: factories,
		roles:     make(map[string]*roleState),
		logger:    logger,
		tracer:    tracer,
	}
}

// SetDebug toggles logging of a digest of prompt/response pairs (spec.md
// §4.1 "Contract details").
func (r *Router) SetDebug(debug bool) { r.debug = debug }

// Generate resolves role, picks an endpoint, truncates the prompt to fit the
// role's context window, and returns the model's text response.
func (r *Router) Generate(ctx context.Context, role string, messages []model.Message, opts Options) (string, error) {
	ctx, span := r.tracer.Start(ctx, "llm.Generate")
	defer span.End()

	state, cfg, err := r.roleState(role, opts.Category)
	if err != nil {
		return "", err
	}

	msgs := messages
	if opts.SystemPrompt != "" {
		msgs = append([]model.Message{{Role: model.ConversationRoleSystem, Text: opts.SystemPrompt}}, msgs...)
	}
	msgs, err = truncate(msgs, cfg.ContextWindow)
	if err != nil {
		return "", err
	}

	req := &model.Request{
		Model:       firstNonEmpty(opts.Model, cfg.Model),
		Messages:    msgs,
		Temperature: effectiveTemperature(opts.Temperature, cfg.TemperatureDefault),
		MaxTokens:   opts.MaxTokens,
	}

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(cfg.Tier.Timeout()) * time.Second
	}

	resp, err := r.dispatch(ctx, state, cfg, req, timeout)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if r.debug {
		r.logger.Debug(ctx, "llm.Generate", "role", role, "model", req.Model,
			"prompt_digest", digest(msgs), "response_digest", digest([]model.Message{{Text: resp.Text}}))
	}
	return resp.Text, nil
}

// dispatch tries every endpoint client for the role in round-robin order,
// then the fallback backend chain, returning the first success.
func (r *Router) dispatch(ctx context.Context, state *roleState, cfg policy.RoleConfig, req *model.Request, timeout time.Duration) (*model.Response, error) {
	n := len(state.clients)
	if n == 0 {
		return nil, fmt.Errorf("%w: role %q has no usable endpoints", ErrRouterUnavailable, cfg.Role)
	}
	var lastErr error
	for i := 0; i < n; i++ {
		idx := int(state.counter.Add(1)-1) % n
		client := state.clients[idx]
		resp, err := callWithTimeout(ctx, client, req, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	// Primary endpoints exhausted; try each fallback backend in order
	// (spec.md §4.1 step 6), returning the first success.
	for _, fb := range cfg.FallbackBackends {
		factory, ok := r.factories[fb]
		if !ok {
			continue
		}
		client, err := factory("", req.Model)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := callWithTimeout(ctx, client, req, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrRouterUnavailable, lastErr)
}

func callWithTimeout(ctx context.Context, client model.Client, req *model.Request, timeout time.Duration) (*model.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Complete(cctx, req)
}

// roleState resolves role (memoized) and lazily constructs one client per
// endpoint via the matching backend factory.
func (r *Router) roleState(role, category string) (*roleState, policy.RoleConfig, error) {
	key := role
	if category != "" {
		key = role + "::" + category
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.roles[key]; ok {
		return st, st.cfg, nil
	}
	cfg, err := r.resolver.Resolve(role, category)
	if err != nil {
		return nil, policy.RoleConfig{}, err
	}
	factory, ok := r.factories[cfg.Backend]
	if !ok {
		return nil, policy.RoleConfig{}, fmt.Errorf("llm: no factory registered for backend %q (role %q)", cfg.Backend, role)
	}
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{""}
	}
	st := &roleState{cfg: cfg}
	for _, ep := range endpoints {
		client, err := factory(ep, cfg.Model)
		if err != nil {
			return nil, policy.RoleConfig{}, fmt.Errorf("llm: building client for role %q endpoint %q: %w", role, ep, err)
		}
		st.clients = append(st.clients, client)
	}
	r.roles[key] = st
	return st, cfg, nil
}

// truncate removes oldest non-system messages until the transcript fits
// within window minus reservedOutputTokens, measured by the charsPerToken
// heuristic. The system prompt (the first ConversationRoleSystem message, if
// any) is never removed and is placed first in the result; if removing
// everything else still overflows, ErrContextOverflow is returned.
func truncate(messages []model.Message, window int) ([]model.Message, error) {
	if window <= 0 {
		return messages, nil
	}
	budget := (window - reservedOutputTokens) * charsPerToken
	if budget <= 0 {
		return nil, ErrContextOverflow
	}

	total := 0
	for _, m := range messages {
		total += len(m.Text)
	}
	if total <= budget {
		return messages, nil
	}

	systemIdx := -1
	for i, m := range messages {
		if m.Role == model.ConversationRoleSystem {
			systemIdx = i
			break
		}
	}
	var system *model.Message
	rest := make([]model.Message, 0, len(messages))
	for i, m := range messages {
		if i == systemIdx {
			s := m
			system = &s
			continue
		}
		rest = append(rest, m)
	}
	systemLen := 0
	if system != nil {
		systemLen = len(system.Text)
	}
	if systemLen > budget {
		return nil, ErrContextOverflow
	}

	// Drop oldest-first from rest until it fits alongside the system prompt.
	remaining := budget - systemLen
	start := 0
	runningTotal := 0
	for _, m := range rest {
		runningTotal += len(m.Text)
	}
	for start < len(rest) && runningTotal > remaining {
		runningTotal -= len(rest[start].Text)
		start++
	}
	kept := rest[start:]

	out := make([]model.Message, 0, len(kept)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, kept...)
	if len(out) == 0 {
		return nil, ErrContextOverflow
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func effectiveTemperature(override *float64, def float64) float64 {
	if override != nil {
		return *override
	}
	return def
}

// digest produces a short, non-reversible-enough-to-matter summary of a set
// of messages for debug logging, avoiding dumping entire prompts into logs.
func digest(messages []model.Message) string {
	total := 0
	for _, m := range messages {
		total += len(m.Text)
	}
	head := ""
	if len(messages) > 0 {
		head = messages[0].Text
		if len(head) > 80 {
			head = head[:80] + "..."
		}
	}
	return fmt.Sprintf("len=%d head=%q", total, head)
}
