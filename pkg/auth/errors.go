package auth

import (
	"fmt"
	"strings"

	edlib "github.com/hbollon/go-edlib"
)

// NoCredentialError is returned by Resolve when dynamic fetching (if
// attempted) and every static fallback source yielded nothing. Callers own
// the user-facing message; the fields here carry what they need to build an
// actionable one.
type NoCredentialError struct {
	// Provider is the identifier the key was requested for.
	Provider string
	// AttemptedDynamic reports whether the key endpoint was actually tried,
	// so callers can distinguish "endpoint down" from "fetching disabled".
	AttemptedDynamic bool
	// Suggestion is the closest statically configured provider name, empty
	// when nothing looks like a plausible typo.
	Suggestion string
}

func (e *NoCredentialError) Error() string {
	msg := fmt.Sprintf("no API key available for provider %q", e.Provider)
	if e.AttemptedDynamic {
		msg += " (dynamic key endpoint was tried)"
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q?", e.Suggestion)
	}
	return msg
}

// suggestionSimilarity is the minimum normalized Levenshtein similarity for a
// known provider name to be offered as a suggestion.
const suggestionSimilarity = 0.7

// suggestProvider returns the known provider name closest to the requested
// one, or "" when nothing is similar enough.
func suggestProvider(provider string, known []string) string {
	if provider == "" || len(known) == 0 {
		return ""
	}
	match, err := edlib.FuzzySearchThreshold(strings.ToLower(provider), known, suggestionSimilarity, edlib.Levenshtein)
	if err != nil || match == strings.ToLower(provider) {
		return ""
	}
	return match
}
