package models

// Phase names in pipeline order.
const (
	PhaseDiscovery string = "discovery"
	PhaseForces    string = "forces-analysis"
	PhaseMacro     string = "macro-analysis"
	PhaseSynthesis string = "synthesis-analysis"
	PhaseGrowth    string = "growth-analysis"
	PhaseValue     string = "value-analysis"
)

// DefaultPhases is the fixed analytical sequence executed by a run.
var DefaultPhases = []string{
	PhaseDiscovery,
	PhaseForces,
	PhaseMacro,
	PhaseSynthesis,
	PhaseGrowth,
	PhaseValue,
}

// PhaseDimensions maps each structural phase to its fixed analytical
// dimensions. Discovery is absent: it fans out one task per tracked
// entity instead of per dimension.
var PhaseDimensions = map[string][]string{
	PhaseForces: {
		"competitive-rivalry",
		"supplier-power",
		"buyer-power",
		"threat-of-substitutes",
		"threat-of-new-entrants",
	},
	PhaseMacro: {
		"political",
		"economic",
		"social",
		"technological",
		"environmental",
		"legal",
	},
	PhaseSynthesis: {
		"strengths",
		"weaknesses",
		"opportunities",
		"threats",
	},
	PhaseGrowth: {
		"market-penetration",
		"product-development",
	},
	PhaseValue: {
		"customer-jobs",
		"pain-points",
		"gains",
		"value-mapping",
	},
}

// PhaseTitles maps phase names to human-readable framework titles.
var PhaseTitles = map[string]string{
	PhaseDiscovery: "Competitor Discovery",
	PhaseForces:    "Porter's Five Forces",
	PhaseMacro:     "PESTEL Analysis",
	PhaseSynthesis: "SWOT Analysis",
	PhaseGrowth:    "Ansoff Matrix",
	PhaseValue:     "Value Proposition Canvas",
}

// SourceWeights ranks citation source credibility for deterministic
// citation ordering in synthesis.
var SourceWeights = map[string]float64{
	"academic":        1.0,
	"industry_report": 0.9,
	"news":            0.5,
	"blog":            0.3,
	"unknown":         0.1,
}

// SourceWeight returns the credibility weight for a source type,
// defaulting to the unknown weight.
func SourceWeight(sourceType string) float64 {
	if w, ok := SourceWeights[sourceType]; ok {
		return w
	}
	return SourceWeights["unknown"]
}
