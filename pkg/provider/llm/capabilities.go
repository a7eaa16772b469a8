package llm

import (
	"strings"

	"github.com/MrWong99/tickerlens/pkg/types"
)

// family is one row of the capability table.
type family struct {
	prefix    string
	context   int
	maxOutput int
	tools     bool
}

// families is matched by prefix in order; more specific prefixes come first.
var families = []family{
	{"gpt-4.1", 1_047_576, 32_768, true},
	{"gpt-4o-mini", 128_000, 16_384, true},
	{"gpt-4o", 128_000, 16_384, true},
	{"gpt-4-turbo", 128_000, 4_096, true},
	{"gpt-4", 8_192, 4_096, true},
	{"gpt-3.5-turbo", 16_385, 4_096, true},
	{"o1-mini", 128_000, 65_536, false},
	{"o1", 200_000, 100_000, true},
	{"o3", 200_000, 100_000, true},
	{"o4-mini", 200_000, 100_000, true},
	{"claude", 200_000, 8_192, true},
	{"gemini-1.5-pro", 2_097_152, 8_192, true},
	{"gemini", 1_048_576, 8_192, true},
	{"deepseek", 64_000, 8_192, true},
	{"llama", 32_768, 4_096, true},
	{"mistral", 32_768, 4_096, true},
}

// CapabilitiesFor looks up model limits by case-insensitive name prefix.
// Unknown models get a 128k window, 4k output and tool calling. JSON mode
// is reported as supported; adapters that cannot forward it clear the flag.
func CapabilitiesFor(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsJSONMode:    true,
		SupportsStreaming:   true,
	}
	lower := strings.ToLower(model)
	for _, f := range families {
		if strings.HasPrefix(lower, f.prefix) {
			caps.ContextWindow = f.context
			caps.MaxOutputTokens = f.maxOutput
			caps.SupportsToolCalling = f.tools
			break
		}
	}
	return caps
}
