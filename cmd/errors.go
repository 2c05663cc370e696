package cmd

import (
	"errors"

	"github.com/nevinhive/clawgate/internal/providers"
)

// formatAgentError turns an agent run failure into the single generic
// message shown to the user on a channel, never the raw error (which may
// carry API keys, stack traces, or internal paths in its text) and never
// provider-specific wording that would leak which backend served the
// request.
func formatAgentError(err error) string {
	if err == nil {
		return "Something went wrong processing that message."
	}

	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			return "I'm getting rate limited right now — please try again in a moment."
		case httpErr.Status >= 500:
			return "The model provider is having trouble right now — please try again shortly."
		}
	}

	return "Something went wrong processing that message. Please try again."
}
