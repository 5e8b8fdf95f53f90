package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/provider"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/session"
)

// Mode selects how login escalation behaves.
type Mode int

const (
	// ModeInteractive returns a non-blocking LoginRequired decision and
	// notifies an operator channel; the human logs in out-of-band.
	ModeInteractive Mode = iota

	// ModeBatch opens a headful browser in-process and waits for the human
	// at the machine to complete the login.
	ModeBatch
)

// Launcher creates browsing contexts. Satisfied by *browser.Engine.
type Launcher interface {
	NewSession(ctx context.Context, opts browser.SessionOptions) (browser.Session, error)
}

// LoginNotifier relays a login-required signal to whoever can reach a human.
type LoginNotifier interface {
	NotifyLoginRequired(ctx context.Context, clientID, providerID, loginURL, reason string) error
}

type Config struct {
	Mode               Mode
	Headless           bool
	LoginPollInterval  time.Duration
	ManualLoginTimeout time.Duration
	NetworkIdleTimeout time.Duration
}

// Manager decides whether a usable authenticated browsing context can be
// produced for a (client, provider) pair, driving automatic login, captcha
// short-circuiting and escalation to human-assisted login.
type Manager struct {
	store    session.Store
	launcher Launcher
	notifier LoginNotifier
	cfg      Config
	logger   *slog.Logger

	// manualMu serializes human-assisted logins: at most one foreground
	// browser window process-wide.
	manualMu sync.Mutex
}

func NewManager(store session.Store, launcher Launcher, notifier LoginNotifier, cfg Config, logger *slog.Logger) *Manager {
	if cfg.LoginPollInterval <= 0 {
		cfg.LoginPollInterval = 500 * time.Millisecond
	}
	if cfg.ManualLoginTimeout <= 0 {
		cfg.ManualLoginTimeout = 30 * time.Second
	}
	if cfg.NetworkIdleTimeout <= 0 {
		cfg.NetworkIdleTimeout = 10 * time.Second
	}

	return &Manager{
		store:    store,
		launcher: launcher,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "auth_manager"),
	}
}

// Ensure produces a browsing context for the pair, or a typed refusal.
// On Authenticated the caller owns the attached session and must Close it;
// on any other outcome every browser resource is already released.
func (m *Manager) Ensure(ctx context.Context, clientID string, desc *provider.Descriptor) Decision {
	log := m.logger.With("client_id", clientID, "provider_id", desc.ID)

	artifact, err := m.store.Artifact(ctx, clientID, desc.ID)
	if err != nil {
		return failed(desc.ID, fmt.Sprintf("session store: %v", err))
	}

	if artifact != nil && artifact.Failed() {
		if artifact.LockedOut(time.Now()) {
			log.Warn("pair is locked out", "locked_until", artifact.LockedUntil)
			return failed(desc.ID, fmt.Sprintf("locked out until %s: %s",
				artifact.LockedUntil.Format(time.RFC3339), artifact.FailReason))
		}
		return failed(desc.ID, artifact.FailReason)
	}

	// No stored state for a login-gated provider: nothing to verify, go
	// straight to escalation. This is a deployment-mode branch, not a retry.
	if artifact == nil && desc.LoginRequired {
		return m.escalate(ctx, clientID, desc, "no stored session")
	}

	storageState := ""
	if artifact != nil {
		storageState = artifact.State
	}

	sess, err := m.launcher.NewSession(ctx, browser.SessionOptions{
		Headless:     m.cfg.Headless,
		StorageState: storageState,
	})
	if err != nil {
		return failed(desc.ID, fmt.Sprintf("browser launch: %v", err))
	}

	if err := sess.Navigate(ctx, desc.BaseURL); err != nil {
		sess.Close()
		return failed(desc.ID, fmt.Sprintf("navigation: %v", err))
	}

	sess.DismissPopups(desc.PopupSelectors)

	if sess.LoggedIn(desc.LogoutSelectors) {
		log.Info("stored session still valid")
		return authenticated(desc.ID, sess)
	}

	// Anonymous browsing suffices when the provider does not gate search.
	if !desc.LoginRequired {
		return authenticated(desc.ID, sess)
	}

	if desc.AutoLogin != nil {
		decision, done := m.tryAutoLogin(ctx, clientID, desc, sess, log)
		if done {
			return decision
		}
	}

	sess.Close()
	return m.escalate(ctx, clientID, desc, "automatic login unavailable or failed")
}

// tryAutoLogin attempts the provider's scripted login. done=false tells the
// caller to close the session and escalate. A captcha hit abandons the
// attempt before any credential touches the page.
func (m *Manager) tryAutoLogin(ctx context.Context, clientID string, desc *provider.Descriptor, sess browser.Session, log *slog.Logger) (Decision, bool) {
	blocked, err := sess.CaptchaPresent(ctx)
	if err != nil {
		log.Debug("captcha probe failed", "error", err)
	}
	if blocked {
		log.Warn("challenge detected, abandoning automatic login")
		sess.Close()
		return m.escalate(ctx, clientID, desc, "bot-defense challenge detected"), true
	}

	creds, err := m.store.Credentials(ctx, clientID, desc.ID)
	if err != nil {
		log.Error("credential lookup failed", "error", err)
		return Decision{}, false
	}
	if creds == nil {
		log.Info("no stored credentials for automatic login")
		return Decision{}, false
	}

	if err := desc.AutoLogin(ctx, sess.Page(), creds.Username, creds.Password); err != nil {
		log.Warn("automatic login routine failed", "error", err)
		return Decision{}, false
	}

	sess.WaitForNetworkIdle(m.cfg.NetworkIdleTimeout)

	if !sess.LoggedIn(desc.LogoutSelectors) {
		log.Warn("automatic login did not produce a logged-in session")
		return Decision{}, false
	}

	if err := m.persistState(ctx, clientID, desc.ID, sess); err != nil {
		log.Error("failed to persist session artifact", "error", err)
	}

	log.Info("automatic login succeeded")
	return authenticated(desc.ID, sess), true
}

// escalate hands the login over to a human. In interactive mode that is a
// non-blocking signal; in batch mode it opens a foreground browser and waits.
func (m *Manager) escalate(ctx context.Context, clientID string, desc *provider.Descriptor, reason string) Decision {
	if m.cfg.Mode == ModeInteractive {
		if m.notifier != nil {
			if err := m.notifier.NotifyLoginRequired(ctx, clientID, desc.ID, desc.LoginURL(), reason); err != nil {
				m.logger.Error("failed to publish login-required event", "provider_id", desc.ID, "error", err)
			}
		}
		return loginRequired(desc.ID, desc.LoginURL(), reason)
	}

	return m.manualLogin(ctx, clientID, desc)
}

// manualLogin opens a headful context and polls the logged-in probe until
// the human completes the login or the timeout expires. Serialized
// process-wide so only one foreground window exists at a time.
func (m *Manager) manualLogin(ctx context.Context, clientID string, desc *provider.Descriptor) Decision {
	m.manualMu.Lock()
	defer m.manualMu.Unlock()

	log := m.logger.With("client_id", clientID, "provider_id", desc.ID)
	log.Info("starting manual login", "timeout", m.cfg.ManualLoginTimeout)

	sess, err := m.launcher.NewSession(ctx, browser.SessionOptions{Headless: false})
	if err != nil {
		return failed(desc.ID, fmt.Sprintf("browser launch: %v", err))
	}

	if err := sess.Navigate(ctx, desc.LoginURL()); err != nil {
		sess.Close()
		return failed(desc.ID, fmt.Sprintf("navigation: %v", err))
	}

	sess.DismissPopups(desc.PopupSelectors)

	deadline := time.Now().Add(m.cfg.ManualLoginTimeout)
	ticker := time.NewTicker(m.cfg.LoginPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			sess.Close()
			return failed(desc.ID, fmt.Sprintf("manual login cancelled: %v", ctx.Err()))
		case <-ticker.C:
		}

		if sess.LoggedIn(desc.LogoutSelectors) {
			if err := m.persistState(ctx, clientID, desc.ID, sess); err != nil {
				log.Error("failed to persist session artifact", "error", err)
			}
			log.Info("manual login completed")
			return authenticated(desc.ID, sess)
		}
	}

	sess.Close()

	reason := fmt.Sprintf("manual login timed out after %s", m.cfg.ManualLoginTimeout)
	if err := m.store.MarkLoginFailed(ctx, clientID, desc.ID, reason); err != nil {
		log.Error("failed to persist failure sentinel", "error", err)
	}

	log.Warn("manual login failed", "reason", reason)
	return failed(desc.ID, reason)
}

func (m *Manager) persistState(ctx context.Context, clientID, providerID string, sess browser.Session) error {
	state, err := sess.StorageState()
	if err != nil {
		return err
	}
	return m.store.SaveArtifact(ctx, clientID, providerID, state)
}
