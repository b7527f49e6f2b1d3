package provider

// ModelPricing holds per-1M-token USD prices for a model.
type ModelPricing struct {
	Input  float64
	Output float64
}

// DefaultPricing is the per-1M-token price table. Unknown models price
// at the primary research model's rates so estimates stay conservative.
var DefaultPricing = map[string]ModelPricing{
	"anthropic/claude-3.5-sonnet":                  {Input: 3.0, Output: 15.0},
	"anthropic/claude-3-haiku":                     {Input: 0.25, Output: 1.25},
	"openai/gpt-4o":                                {Input: 5.0, Output: 15.0},
	"openai/gpt-4o-mini":                           {Input: 0.15, Output: 0.6},
	"perplexity/llama-3.1-sonar-large-128k-online": {Input: 1.0, Output: 1.0},
}

const fallbackPricingModel = "anthropic/claude-3.5-sonnet"

// Cost computes the USD cost of a call given billed token counts.
func Cost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := DefaultPricing[model]
	if !ok {
		pricing = DefaultPricing[fallbackPricingModel]
	}
	return float64(inputTokens)/1_000_000*pricing.Input +
		float64(outputTokens)/1_000_000*pricing.Output
}

// EstimateCost predicts the cost of a call before making it. Input
// tokens are approximated at four characters per token; output at half
// the token ceiling.
func EstimateCost(req Request) float64 {
	inputTokens := (len(req.System) + len(req.Prompt)) / 4
	outputTokens := req.MaxTokens / 2
	return Cost(req.Model, inputTokens, outputTokens)
}

// ModelForAttempt resolves the model for a given attempt number. The
// first attempt uses the primary model; every later attempt the
// fallback. Pure function of its arguments so concurrent tasks cannot
// interfere with each other's routing.
func ModelForAttempt(primary, fallback string, attempt int) string {
	if attempt == 0 || fallback == "" {
		return primary
	}
	return fallback
}
