package phase

import (
	"sort"

	"github.com/strataresearch/strata/internal/models"
)

// Synthesize merges the validated outputs of a phase's tasks into one
// structured result. It is a pure function: identical inputs yield
// identical output, including citation order. Findings merge by key;
// when tasks overlap on a key the highest confidence wins and the
// top-N survive, ties broken by earliest-discovered then alphabetical.
func Synthesize(phaseName string, outputs []*models.TaskOutput, topN int) *models.PhaseOutput {
	merged := make(map[string]models.Finding)
	firstSeen := make(map[string]int)
	order := 0

	var citations []models.Citation
	for _, out := range outputs {
		if out == nil {
			continue
		}
		for _, f := range out.Findings {
			if _, seen := firstSeen[f.Key]; !seen {
				firstSeen[f.Key] = order
				order++
			}
			if existing, ok := merged[f.Key]; !ok || f.Confidence > existing.Confidence {
				merged[f.Key] = f
			}
		}
		citations = append(citations, out.Citations...)
	}

	findings := make([]models.Finding, 0, len(merged))
	for _, f := range merged {
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if firstSeen[a.Key] != firstSeen[b.Key] {
			return firstSeen[a.Key] < firstSeen[b.Key]
		}
		return a.Key < b.Key
	})
	if topN > 0 && len(findings) > topN {
		findings = findings[:topN]
	}

	return &models.PhaseOutput{
		Phase:     phaseName,
		Findings:  findings,
		Citations: dedupeCitations(citations),
	}
}

// dedupeCitations keeps one citation per (url, task) pair and orders
// the union by source credibility, then contributing task, then URL.
func dedupeCitations(citations []models.Citation) []models.Citation {
	type citationKey struct{ url, task string }
	seen := make(map[citationKey]bool)
	out := make([]models.Citation, 0, len(citations))
	for _, c := range citations {
		k := citationKey{url: c.URL, task: c.TaskKey}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := models.SourceWeight(out[i].SourceType), models.SourceWeight(out[j].SourceType)
		if wi != wj {
			return wi > wj
		}
		if out[i].TaskKey != out[j].TaskKey {
			return out[i].TaskKey < out[j].TaskKey
		}
		return out[i].URL < out[j].URL
	})
	return out
}
