package policy

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/ppiankov/impactgate/internal/model"
)

//go:embed schema.cue
var schemaCUE string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

// cue.Context is not safe for concurrent use.
var schemaMu sync.Mutex

func policySchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaCUE, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile policy schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Policy"))
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateSchema checks the JSON form of a policy against the embedded
// schema. Unknown fields are rejected.
func validateSchema(doc []byte) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, def, err := policySchema()
	if err != nil {
		return model.PolicyError("policy schema unavailable", err)
	}
	v := ctx.CompileBytes(doc, cue.Filename("policy.json"))
	if err := v.Err(); err != nil {
		return model.PolicyError("policy is not valid JSON", err)
	}
	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return model.PolicyError("policy does not match schema: "+summarize(err), err)
	}
	return nil
}

// summarize joins CUE error messages into one line.
func summarize(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// Validate applies checks the schema cannot express.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return model.PolicyError("version is required", nil)
	}
	if !p.Defaults.Decision.Valid() {
		return model.PolicyError(fmt.Sprintf("invalid default decision %q", p.Defaults.Decision), nil)
	}

	seen := map[string]bool{}
	var dupes []string
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return model.PolicyError(fmt.Sprintf("rule %d: id is required", i), nil)
		}
		if seen[r.ID] {
			dupes = append(dupes, r.ID)
		}
		seen[r.ID] = true
		if !r.Decision.Valid() {
			return model.PolicyError(fmt.Sprintf("rule %s: invalid decision %q", r.ID, r.Decision), nil)
		}
		for _, lvl := range []model.RiskLevel{r.MinRiskLevel, r.MaxRiskLevel} {
			if lvl != "" && !lvl.Valid() {
				return model.PolicyError(fmt.Sprintf("rule %s: invalid risk level %q", r.ID, lvl), nil)
			}
		}
		if r.MinRiskLevel != "" && r.MaxRiskLevel != "" && r.MaxRiskLevel.Rank() < r.MinRiskLevel.Rank() {
			return model.PolicyError(fmt.Sprintf("rule %s: max_risk_level cannot be lower than min_risk_level", r.ID), nil)
		}
		for _, t := range r.ActionTypes {
			if !t.Valid() {
				return model.PolicyError(fmt.Sprintf("rule %s: invalid action type %q", r.ID, t), nil)
			}
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		return model.PolicyError("duplicate rule ids are not allowed: "+strings.Join(dupes, ", "), nil)
	}
	return nil
}
