package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"manuscripthub/pkg/kv"
)

// CircuitConfig tunes the shared per-agent circuit.
type CircuitConfig struct {
	Window       time.Duration
	MinCalls     int
	FailureRatio float64
	CoolDown     time.Duration
}

var DefaultCircuitConfig = CircuitConfig{
	Window:       60 * time.Second,
	MinCalls:     5,
	FailureRatio: 0.5,
	CoolDown:     30 * time.Second,
}

type circuitState struct {
	WindowStart time.Time  `json:"windowStart"`
	Calls       int        `json:"calls"`
	Failures    int        `json:"failures"`
	OpenUntil   *time.Time `json:"openUntil,omitempty"`
}

// Circuit keeps failure ratios in KV under agent:<name>:circuit so every
// worker sharing the store backs off together. Updates are read-modify-write;
// lost increments only delay tripping.
type Circuit struct {
	store kv.Store
	cfg   CircuitConfig
	now   func() time.Time
}

func NewCircuit(store kv.Store, cfg CircuitConfig, now func() time.Time) *Circuit {
	if cfg.Window <= 0 {
		cfg.Window = DefaultCircuitConfig.Window
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = DefaultCircuitConfig.MinCalls
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = DefaultCircuitConfig.FailureRatio
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCircuitConfig.CoolDown
	}
	if now == nil {
		now = time.Now
	}
	return &Circuit{store: store, cfg: cfg, now: now}
}

func CircuitKey(agent string) string {
	return "agent:" + agent + ":circuit"
}

// Allow returns ErrCircuitOpen while the agent is cooling down. Store
// failures allow the call.
func (c *Circuit) Allow(ctx context.Context, agent string) error {
	st, err := c.load(ctx, agent)
	if err != nil {
		slog.Warn("agent_circuit_unavailable", "agent", agent, "err", err)
		return nil
	}
	if st.OpenUntil != nil && c.now().Before(*st.OpenUntil) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, agent)
	}
	return nil
}

// Record counts one call outcome. Only transient errors count as failures.
func (c *Circuit) Record(ctx context.Context, agent string, callErr error) {
	now := c.now()
	st, err := c.load(ctx, agent)
	if err != nil {
		slog.Warn("agent_circuit_unavailable", "agent", agent, "err", err)
		return
	}
	if st.OpenUntil != nil && !now.Before(*st.OpenUntil) {
		st = circuitState{}
	}
	if st.WindowStart.IsZero() || now.Sub(st.WindowStart) >= c.cfg.Window {
		st = circuitState{WindowStart: now}
	}
	st.Calls++
	if callErr != nil && IsTransient(callErr) {
		st.Failures++
	}
	if st.Calls >= c.cfg.MinCalls && float64(st.Failures)/float64(st.Calls) >= c.cfg.FailureRatio {
		until := now.Add(c.cfg.CoolDown)
		st = circuitState{WindowStart: now, OpenUntil: &until}
		slog.Warn("agent_circuit_open", "agent", agent, "until", until)
	}
	ttl := c.cfg.Window + c.cfg.CoolDown
	if err := kv.PutJSON(ctx, c.store, CircuitKey(agent), st, ttl); err != nil {
		slog.Warn("agent_circuit_write_failed", "agent", agent, "err", err)
	}
}

func (c *Circuit) load(ctx context.Context, agent string) (circuitState, error) {
	var st circuitState
	if _, err := kv.GetJSON(ctx, c.store, CircuitKey(agent), &st); err != nil {
		return circuitState{}, err
	}
	return st, nil
}

type guardedAgent struct {
	Agent
	circuit *Circuit
}

// Guard short-circuits agent calls while its circuit is open.
func Guard(agent Agent, circuit *Circuit) Agent {
	if circuit == nil {
		return agent
	}
	return &guardedAgent{Agent: agent, circuit: circuit}
}

func (g *guardedAgent) Run(ctx context.Context, in Input) (Output, error) {
	name := g.Name()
	if err := g.circuit.Allow(ctx, name); err != nil {
		return Output{}, err
	}
	out, err := g.Agent.Run(ctx, in)
	g.circuit.Record(ctx, name, err)
	return out, err
}
