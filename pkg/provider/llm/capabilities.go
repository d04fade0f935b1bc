package llm

import (
	"strings"

	"github.com/MrWong99/earpiece/pkg/types"
)

// DefaultCapabilities is reported for models missing from the table.
var DefaultCapabilities = types.ModelCapabilities{
	ContextWindow:   128_000,
	MaxOutputTokens: 4_096,
}

// capabilityRule matches a lower-cased model name by prefix or substring.
type capabilityRule struct {
	match    string
	contains bool
	caps     types.ModelCapabilities
}

// capabilityTable is scanned in order; the first match wins, so more specific
// names come before their families.
var capabilityTable = []capabilityRule{
	{match: "gpt-4o", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{match: "gpt-4.1", caps: types.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{match: "gpt-4-turbo", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{match: "gpt-4", caps: types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{match: "gpt-3.5-turbo", caps: types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{match: "o1-mini", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{match: "o1", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{match: "o3", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{match: "claude-3-opus", contains: true, caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096}},
	{match: "claude", caps: types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{match: "gemini-1.5-pro", contains: true, caps: types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{match: "gemini-1.5-flash", contains: true, caps: types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{match: "gemini-2.0-flash", contains: true, caps: types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{match: "gemini", caps: types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
}

// LookupCapabilities returns the known limits for model, or
// [DefaultCapabilities] when the name is not recognised.
func LookupCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityTable {
		if r.contains && strings.Contains(lower, r.match) {
			return r.caps
		}
		if !r.contains && strings.HasPrefix(lower, r.match) {
			return r.caps
		}
	}
	return DefaultCapabilities
}
