package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// printHook sends Rego print() output to the logger
type printHook struct{}

func (h *printHook) Print(pctx print.Context, message string) error {
	logging.From(pctx.Context).Debug("rego print", "message", message, "location", pctx.Location)
	return nil
}

// Decision is the outcome of the ingest policy for one memory
type Decision struct {
	Reject   bool
	Reason   string
	Metadata map[string]any
}

// Ingest evaluates `package ingest` Rego policies against incoming memories.
// Supported rules: `reject` (bool), `reason` (string), `metadata` (object
// merged into the memory metadata).
type Ingest struct {
	query *rego.PreparedEvalQuery
}

// LoadIngest reads every .rego file in policyDir. It returns nil when the
// directory has no policy files.
func LoadIngest(ctx context.Context, policyDir string) (*Ingest, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := []func(*rego.Rego){
		rego.Query("data.ingest"),
		rego.EnablePrintStatements(true),
		rego.PrintHook(&printHook{}),
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare ingest policy", goerr.V("dir", policyDir))
	}

	return &Ingest{query: &prepared}, nil
}

// Evaluate runs the policy with input. A nil Ingest accepts everything.
func (p *Ingest) Evaluate(ctx context.Context, input map[string]any) (*Decision, error) {
	decision := &Decision{Metadata: map[string]any{}}
	if p == nil || p.query == nil {
		return decision, nil
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("unexpected ingest policy result", goerr.V("value", rs[0].Expressions[0].Value))
	}

	if reject, ok := result["reject"].(bool); ok {
		decision.Reject = reject
	}
	if reason, ok := result["reason"].(string); ok {
		decision.Reason = reason
	}
	if meta, ok := result["metadata"].(map[string]any); ok {
		decision.Metadata = meta
	}

	return decision, nil
}
