package gro

// DefaultPrices carries list prices (USD per million tokens) for the models
// the runtime routes to most often. The budget meter and the observer both
// consult it; config can override or extend any entry. Unknown models are
// metered at zero rather than guessed.
var DefaultPrices = map[string]ModelPrice{
	// Anthropic. Cache writes bill at 1.25x input, reads at 0.1x.
	"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-haiku-3-5":  {Input: 0.80, Output: 4.00, CacheWrite: 1.00, CacheRead: 0.08},

	// Gemini. Implicit caching discounts reads to 0.25x input.
	"gemini-2.5-pro":   {Input: 1.25, Output: 10.00, CacheRead: 0.31},
	"gemini-2.5-flash": {Input: 0.15, Output: 0.60, CacheRead: 0.0375},
	"gemini-2.0-flash": {Input: 0.10, Output: 0.40, CacheRead: 0.025},

	// OpenAI-compatible.
	"gpt-5":             {Input: 1.25, Output: 10.00, CacheRead: 0.125},
	"gpt-5-mini":        {Input: 0.25, Output: 2.00, CacheRead: 0.025},
	"gpt-4o":            {Input: 2.50, Output: 10.00, CacheRead: 1.25},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60, CacheRead: 0.075},
	"o3-mini":           {Input: 1.10, Output: 4.40, CacheRead: 0.55},
	"deepseek-chat":     {Input: 0.27, Output: 1.10, CacheRead: 0.07},
	"deepseek-reasoner": {Input: 0.55, Output: 2.19, CacheRead: 0.14},
}
