package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Escape hatch for predicates the structured conditions cannot express.
// Expressions see a flat view of the request and must yield a bool.

var celEnvOnce = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("subject_id", cel.StringType),
		cel.Variable("subject_type", cel.StringType),
		cel.Variable("clearance_rank", cel.IntType),
		cel.Variable("trust", cel.IntType),
		cel.Variable("institution_id", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("risk", cel.IntType),
		cel.Variable("concurrent_jobs", cel.IntType),
		cel.Variable("monthly_spend", cel.DoubleType),
		cel.Variable("vram_gb", cel.DoubleType),
		cel.Variable("gpu_count", cel.IntType),
		cel.Variable("duration_hours", cel.DoubleType),
		cel.Variable("workload_type", cel.StringType),
		cel.Variable("estimated_cost", cel.DoubleType),
		cel.Variable("region", cel.StringType),
	)
})

// evalExpression compiles (once) and evaluates a CEL predicate against
// the request.
func (e *Engine) evalExpression(expr string, req AuthorizationRequest) (bool, error) {
	e.programMu.RLock()
	prg, ok := e.programs[expr]
	e.programMu.RUnlock()

	if !ok {
		env, err := celEnvOnce()
		if err != nil {
			return false, fmt.Errorf("policy: cel env: %w", err)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("policy: compile expression: %w", issues.Err())
		}
		prg, err = env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("policy: build program: %w", err)
		}
		e.programMu.Lock()
		e.programs[expr] = prg
		e.programMu.Unlock()
	}

	res := &ResourceRequest{}
	if req.Resource != nil {
		res = req.Resource
	}
	out, _, err := prg.Eval(map[string]any{
		"subject_id":      req.SubjectID,
		"subject_type":    string(req.SubjectType),
		"clearance_rank":  req.Clearance.Rank(),
		"trust":           req.TrustScore,
		"institution_id":  req.InstitutionID,
		"action":          string(req.Action),
		"risk":            req.Risk.CurrentRiskScore,
		"concurrent_jobs": req.Risk.ConcurrentJobs,
		"monthly_spend":   req.Risk.MonthlySpend,
		"vram_gb":         res.VRAMGB,
		"gpu_count":       res.GPUCount,
		"duration_hours":  res.DurationHours,
		"workload_type":   res.WorkloadType,
		"estimated_cost":  res.EstimatedCost,
		"region":          res.Region,
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluate expression: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression %q is not boolean", expr)
	}
	return b, nil
}
