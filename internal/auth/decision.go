package auth

import "github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"

// Outcome is the closed set of results one Ensure call can produce. The
// orchestrator switches on it instead of catching typed errors.
type Outcome int

const (
	// Authenticated means a usable browsing context is attached to the
	// decision. Ownership transfers to the caller, who must Close it.
	Authenticated Outcome = iota

	// LoginRequired means a human must log in out-of-band; no context is
	// attached and nothing blocks.
	LoginRequired

	// Failed means the login fallback chain is exhausted or the stored
	// artifact carries the failure sentinel.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case LoginRequired:
		return "login_required"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one Authentication Manager invocation.
// It is transient and never persisted.
type Decision struct {
	Outcome    Outcome
	ProviderID string

	// Session is set only when Outcome == Authenticated.
	Session browser.Session

	// LoginURL is set for LoginRequired: where the human should log in.
	LoginURL string

	// Reason explains LoginRequired and Failed outcomes.
	Reason string
}

func authenticated(providerID string, sess browser.Session) Decision {
	return Decision{Outcome: Authenticated, ProviderID: providerID, Session: sess}
}

func loginRequired(providerID, loginURL, reason string) Decision {
	return Decision{Outcome: LoginRequired, ProviderID: providerID, LoginURL: loginURL, Reason: reason}
}

func failed(providerID, reason string) Decision {
	return Decision{Outcome: Failed, ProviderID: providerID, Reason: reason}
}
