package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strataresearch/strata/internal/models"
)

// ValidationError marks a structured output that failed shape or
// citation checks. Treated as retryable, same as a provider error.
type ValidationError struct {
	Phase  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s output: %s", e.Phase, e.Reason)
}

// rawOutput is the wire shape providers are instructed to produce.
type rawOutput struct {
	Findings  []models.Finding  `json:"findings"`
	Citations []models.Citation `json:"citations"`
}

// ParseOutput decodes provider content into a task output. Content that
// is not bare JSON gets one rescue pass extracting the outermost object
// before giving up.
func ParseOutput(phase, key, content string) (*models.TaskOutput, error) {
	var raw rawOutput
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		rescued, ok := extractJSON(content)
		if !ok {
			return nil, &ValidationError{Phase: phase, Reason: "response is not valid JSON"}
		}
		if err := json.Unmarshal([]byte(rescued), &raw); err != nil {
			return nil, &ValidationError{Phase: phase, Reason: "response is not valid JSON"}
		}
	}

	output := &models.TaskOutput{
		Phase:     phase,
		Key:       key,
		Findings:  raw.Findings,
		Citations: raw.Citations,
	}
	for i := range output.Citations {
		output.Citations[i].TaskKey = key
		if output.Citations[i].SourceType == "" {
			output.Citations[i].SourceType = "unknown"
		}
	}
	return output, nil
}

// Validate applies the per-phase shape rules: findings present and
// well-formed, citation policy met. Each phase carries its own
// dimension constraint so validation stays exhaustive over the closed
// set of phase types.
func Validate(output *models.TaskOutput, minCitations int) error {
	if len(output.Findings) == 0 {
		return &ValidationError{Phase: output.Phase, Reason: "no findings"}
	}
	for _, f := range output.Findings {
		if strings.TrimSpace(f.Key) == "" {
			return &ValidationError{Phase: output.Phase, Reason: "finding with empty key"}
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return &ValidationError{Phase: output.Phase, Reason: fmt.Sprintf("finding %q confidence %.2f out of range", f.Key, f.Confidence)}
		}
	}
	if len(output.Citations) < minCitations {
		return &ValidationError{Phase: output.Phase, Reason: fmt.Sprintf("%d citations, need %d", len(output.Citations), minCitations)}
	}
	for _, c := range output.Citations {
		if strings.TrimSpace(c.URL) == "" {
			return &ValidationError{Phase: output.Phase, Reason: "citation with empty url"}
		}
	}

	switch output.Phase {
	case models.PhaseDiscovery:
		// Discovery findings name competitors; any non-empty key passes.
		return nil
	case models.PhaseForces, models.PhaseMacro, models.PhaseSynthesis, models.PhaseGrowth, models.PhaseValue:
		dims := models.PhaseDimensions[output.Phase]
		if !containsKey(dims, output.Key) {
			return &ValidationError{Phase: output.Phase, Reason: fmt.Sprintf("unknown dimension %q", output.Key)}
		}
		return nil
	default:
		return &ValidationError{Phase: output.Phase, Reason: "unknown phase"}
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// extractJSON pulls the outermost {...} object out of surrounding prose.
func extractJSON(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}
