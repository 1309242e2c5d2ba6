package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doublewordai/silt/internal/config"
	"github.com/doublewordai/silt/internal/filter"
	"github.com/doublewordai/silt/internal/types"
	"github.com/open-policy-agent/opa/rego"
)

// PolicyInput is the data sent to OPA for evaluation.
type PolicyInput struct {
	Request PolicyReq  `json:"request"`
	Time    PolicyTime `json:"time"`
}

type PolicyReq struct {
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
}

type PolicyTime struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Evaluator implements filter.Filter using OPA.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyFilterConfig
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyFilterConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Name() string  { return "policy" }
func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("opa policies loaded", "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from provided module sources (useful for testing).
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	mods := make([]func(*rego.Rego), 0, len(modules)+1)
	mods = append(mods, rego.Query("[data.silt.policy.allow, data.silt.policy.reason]"))
	for name, src := range modules {
		mods = append(mods, rego.Module(name, src))
	}

	prepared, err := rego.New(mods...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input. With no policy bundle
// loaded it fails closed, matching an OPA-enabled deployment where a missing
// bundle is a misconfiguration rather than an implicit allow-all.
func (e *Evaluator) Evaluate(ctx context.Context, input PolicyInput) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return false, "no policies loaded", nil
	}

	cfg := e.cfg()
	timeout := cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err), err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return allowed, reason, nil
}

// ScanRequest implements filter.Filter.
func (e *Evaluator) ScanRequest(ctx context.Context, req *types.ChatCompletionRequest) filter.Result {
	now := time.Now().UTC()
	input := PolicyInput{
		Request: PolicyReq{Model: req.Model, MessageCount: len(req.Messages)},
		Time:    PolicyTime{Hour: now.Hour(), Day: now.Weekday().String()},
	}

	allowed, reason, err := e.Evaluate(ctx, input)
	if err != nil {
		slog.Error("policy evaluation failed", "error", err)
		return filter.Result{
			Action:     filter.ActionBlock,
			FilterName: "policy",
			Message:    "policy evaluation failed: " + err.Error(),
		}
	}
	if !allowed {
		return filter.Result{
			Action:     filter.ActionBlock,
			FilterName: "policy",
			Message:    "request denied by policy: " + reason,
		}
	}
	return filter.Result{Action: filter.ActionPass, FilterName: "policy"}
}
