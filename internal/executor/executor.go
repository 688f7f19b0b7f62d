// Copyright 2025 LogLine Contributors
//
// Executor — dispatches scheduler jobs to type-specific handlers and
// signs execution receipts. Grounded on the teacher's
// pkg/proof.CLIGovernanceProofGenerator for the subprocess-with-timeout,
// captured-output, working-directory shape (GenerateAtLevel →
// exec.CommandContext), generalized here to the declared-capability
// sandboxing spec.4.G requires: when Sandbox is enabled, spawned
// processes inherit only ExecutionContext.Environment and WorkingDir.

package executor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danvoulez/logline/internal/signature"
	"github.com/danvoulez/logline/pkg/span"
)

// ExecutionContext is the executor's input contract.
type ExecutionContext struct {
	ID          string
	Principal   string
	StartTime   time.Time
	TrajBudget  int64
	Priority    int
	Environment map[string]string
	WorkingDir  string
	Sandbox     bool
}

// ExecutionResult is the executor's output contract.
type ExecutionResult struct {
	ID       string
	Success  bool
	ExitCode *int
	TrajUsed int64
	Duration time.Duration
	Output   string
	Error    string
	Receipt  *ExecutionReceipt
	Spans    []*span.Span
}

// ExecutionReceipt is signed proof that an execution happened.
type ExecutionReceipt struct {
	ID                string         `json:"id"`
	ExecutionID       string         `json:"execution_id"`
	ContractHash      string         `json:"contract_hash,omitempty"`
	ExecutorSignature string         `json:"executor_signature"`
	Timestamp         time.Time      `json:"timestamp"`
	TrajCost          int64          `json:"traj_cost"`
	EnforcementStatus string         `json:"enforcement_status"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Handler runs one job type (contract, lab, tv, agent, custom).
type Handler interface {
	Run(ctx context.Context, execCtx *ExecutionContext, job *span.Job) (*ExecutionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, execCtx *ExecutionContext, job *span.Job) (*ExecutionResult, error)

func (f HandlerFunc) Run(ctx context.Context, execCtx *ExecutionContext, job *span.Job) (*ExecutionResult, error) {
	return f(ctx, execCtx, job)
}

// Config controls the executor.
type Config struct {
	ExecutorPrincipal string
	SigningKey        ed25519.PrivateKey
	Logger            *log.Logger
}

func DefaultConfig() *Config {
	return &Config{Logger: log.New(log.Writer(), "[Executor] ", log.LstdFlags)}
}

// Executor dispatches jobs by type to registered handlers.
type Executor struct {
	mu       sync.RWMutex
	cfg      *Config
	sig      *signature.Service
	handlers map[string]Handler
}

func New(sig *signature.Service, cfg *Config) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Executor] ", log.LstdFlags)
	}
	return &Executor{cfg: cfg, sig: sig, handlers: make(map[string]Handler)}
}

// RegisterHandler binds a job type ("contract", "lab", "tv", "agent",
// "custom") to its Handler.
func (e *Executor) RegisterHandler(jobType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

// Execute dispatches job to its handler and, on success, signs a receipt.
func (e *Executor) Execute(ctx context.Context, job *span.Job) (*ExecutionResult, error) {
	e.mu.RLock()
	h, ok := e.handlers[job.Type]
	e.mu.RUnlock()
	if !ok {
		return nil, span.Validation("no handler registered for job type %q", job.Type)
	}

	execCtx := &ExecutionContext{
		ID:          job.ID,
		Principal:   job.Creator,
		StartTime:   time.Now().UTC(),
		TrajBudget:  job.TrajBudget,
		Priority:    job.Priority,
		Environment: stringMap(job.Metadata),
		Sandbox:     true,
	}

	start := time.Now()
	result, err := h.Run(ctx, execCtx, job)
	if err != nil {
		return nil, span.Wrap(span.KindInternal, err, "execute job %s", job.ID)
	}
	result.Duration = time.Since(start)

	if result.Success && e.sig != nil && e.cfg.SigningKey != nil {
		receipt, rerr := e.signReceipt(job, result)
		if rerr != nil {
			e.cfg.Logger.Printf("job %s succeeded but receipt signing failed: %v", job.ID, rerr)
		} else {
			result.Receipt = receipt
		}
	}
	return result, nil
}

func (e *Executor) signReceipt(job *span.Job, result *ExecutionResult) (*ExecutionReceipt, error) {
	payload := &span.SignablePayload{
		Data: map[string]any{
			"execution_id": job.ID,
			"traj_used":    result.TrajUsed,
			"success":      result.Success,
		},
		Timestamp: time.Now().UTC(),
		Context:   span.SignatureContext{Operation: "execution_receipt"},
	}
	sig, err := e.sig.SignPayload(e.cfg.ExecutorPrincipal, e.cfg.SigningKey, payload)
	if err != nil {
		return nil, err
	}
	return &ExecutionReceipt{
		ID:                 "receipt-" + uuid.NewString(),
		ExecutionID:        job.ID,
		ExecutorSignature:  sig.Signature,
		Timestamp:          sig.Timestamp,
		TrajCost:           result.TrajUsed,
		EnforcementStatus:  "allowed",
	}, nil
}

func stringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// SubprocessHandler is a Handler that runs an external command as the job
// body, honoring the ExecutionContext sandboxing contract: when Sandbox
// is set the child inherits only Environment and runs in WorkingDir;
// otherwise it inherits the motor's own environment.
type SubprocessHandler struct {
	Command func(job *span.Job) (name string, args []string)
	Timeout time.Duration
}

func (h *SubprocessHandler) Run(ctx context.Context, execCtx *ExecutionContext, job *span.Job) (*ExecutionResult, error) {
	name, args := h.Command(job)

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = time.Duration(job.TimeoutTicks) * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	if execCtx.Sandbox {
		env := make([]string, 0, len(execCtx.Environment))
		for k, v := range execCtx.Environment {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		cmd.Dir = execCtx.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecutionResult{ID: job.ID, Output: stdout.String()}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			result.ExitCode = &code
		}
		result.Success = false
		result.Error = stderr.String()
		if result.Error == "" {
			result.Error = err.Error()
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, span.Timeout("job %s exceeded execution timeout", job.ID)
		}
		return result, nil
	}

	zero := 0
	result.ExitCode = &zero
	result.Success = true
	return result, nil
}
