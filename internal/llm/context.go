package llm

import "os"

// ContextSize returns an approximate context window (in tokens) for the given
// model name, as served by one of the configured model-server instances.
//
// It consults environment-variable overrides first (the per-model variable,
// then the global catch-all; see lookupContextOverride), and only then a
// small built-in table of common open-weight model families, so a set
// global override also applies to models the table knows. The bool indicates whether the value came from a known
// mapping or explicit override (true) versus a conservative fallback (false).
func ContextSize(model string) (tokens int, known bool) {
	if model == "" {
		return 0, false
	}

	if v, ok := lookupContextOverride(model); ok && v > 0 {
		return v, true
	}

	if size, ok := knownContextWindows[model]; ok {
		return size, true
	}
	for prefix, size := range knownContextWindows {
		if hasModelPrefix(model, prefix) {
			return size, true
		}
	}

	if v, ok := lookupContextOverride("*"); ok && v > 0 {
		return v, true
	}

	return 32_000, false
}

// knownContextWindows holds approximate context sizes for common self-hosted
// model families. Values are intentionally approximate; they size prompt
// budgeting only, never feature gating.
var knownContextWindows = map[string]int{
	"llama3.1":   128_000,
	"llama3.2":   128_000,
	"llama3":     8_192,
	"llama2":     4_096,
	"mistral":    32_768,
	"mixtral":    32_768,
	"qwen2.5":    128_000,
	"qwen2":      32_768,
	"gemma2":     8_192,
	"gemma3":     128_000,
	"phi3":       128_000,
	"phi4":       16_384,
	"deepseek-r1": 64_000,
	"nomic-embed-text": 8_192,
}

// lookupContextOverride checks environment overrides.
//
// Precedence:
//  1. MODEL_<SANITIZED_NAME>_CONTEXT_TOKENS
//  2. RAGPILOT_DEFAULT_CONTEXT_WINDOW_TOKENS (global catch-all)
//
// When model == "*", only the global override is consulted.
func lookupContextOverride(model string) (int, bool) {
	if model == "*" {
		if v := os.Getenv("RAGPILOT_DEFAULT_CONTEXT_WINDOW_TOKENS"); v != "" {
			if n, ok := parseIntEnv(v); ok {
				return n, true
			}
		}
		return 0, false
	}

	key := "MODEL_" + sanitizeModelForEnv(model) + "_CONTEXT_TOKENS"
	if v := os.Getenv(key); v != "" {
		if n, ok := parseIntEnv(v); ok {
			return n, true
		}
	}

	if v := os.Getenv("RAGPILOT_DEFAULT_CONTEXT_WINDOW_TOKENS"); v != "" {
		if n, ok := parseIntEnv(v); ok {
			return n, true
		}
	}

	return 0, false
}

// sanitizeModelForEnv converts a model name into an env-var-friendly token.
func sanitizeModelForEnv(model string) string {
	out := make([]rune, 0, len(model))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// hasModelPrefix treats prefix matches as sufficient to select a context size,
// e.g. "llama3.1:8b-instruct-q4_0" matches "llama3.1".
func hasModelPrefix(model, prefix string) bool {
	if len(model) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if model[i] != prefix[i] {
			return false
		}
	}
	return true
}

// parseIntEnv parses a non-negative int from an environment variable string.
func parseIntEnv(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n := 0
	found := false
	for _, r := range v {
		if r < '0' || r > '9' {
			continue
		}
		found = true
		n = n*10 + int(r-'0')
	}
	if !found {
		return 0, false
	}
	return n, true
}
