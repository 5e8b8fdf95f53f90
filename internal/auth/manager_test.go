package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/provider"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/session"
)

// memStore is an in-memory session.Store for driving the state machine.
type memStore struct {
	mu          sync.Mutex
	artifacts   map[string]*session.Artifact
	creds       map[string]*session.Credentials
	savedStates map[string]string
	failures    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		artifacts:   make(map[string]*session.Artifact),
		creds:       make(map[string]*session.Credentials),
		savedStates: make(map[string]string),
		failures:    make(map[string]string),
	}
}

func key(clientID, providerID string) string { return clientID + "/" + providerID }

func (s *memStore) Artifact(_ context.Context, clientID, providerID string) (*session.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifacts[key(clientID, providerID)], nil
}

func (s *memStore) SaveArtifact(_ context.Context, clientID, providerID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedStates[key(clientID, providerID)] = state
	s.artifacts[key(clientID, providerID)] = &session.Artifact{State: state, UpdatedAt: time.Now()}
	return nil
}

func (s *memStore) MarkLoginFailed(_ context.Context, clientID, providerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key(clientID, providerID)] = reason
	s.artifacts[key(clientID, providerID)] = &session.Artifact{
		State:      session.SentinelLoginFailed,
		FailReason: reason,
	}
	return nil
}

func (s *memStore) ClearFailure(_ context.Context, clientID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, key(clientID, providerID))
	return nil
}

func (s *memStore) Credentials(_ context.Context, clientID, providerID string) (*session.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[key(clientID, providerID)], nil
}

func (s *memStore) SaveCredentials(_ context.Context, clientID, providerID string, creds session.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key(clientID, providerID)] = &creds
	return nil
}

// scriptedSession fakes one browsing context with pre-programmed behavior.
type scriptedSession struct {
	mu            sync.Mutex
	loggedIn      bool
	loggedInAfter time.Time
	captcha       bool
	closed        bool
}

func (s *scriptedSession) Navigate(context.Context, string) error { return nil }
func (s *scriptedSession) DismissPopups([]string) int             { return 0 }

func (s *scriptedSession) LoggedIn([]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedInAfter.IsZero() && time.Now().After(s.loggedInAfter) {
		s.loggedIn = true
	}
	return s.loggedIn
}

func (s *scriptedSession) setLoggedIn(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = v
}

func (s *scriptedSession) CaptchaPresent(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captcha, nil
}

func (s *scriptedSession) WaitForNetworkIdle(time.Duration) {}
func (s *scriptedSession) StorageState() (string, error)    { return `{"cookies":[]}`, nil }
func (s *scriptedSession) Page() playwright.Page            { return nil }

func (s *scriptedSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *scriptedSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type launchRecord struct {
	opts browser.SessionOptions
	sess *scriptedSession
	at   time.Time
}

// fakeLauncher hands out scripted sessions and records each launch.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []launchRecord
	factory  func(opts browser.SessionOptions) *scriptedSession
}

func newFakeLauncher(factory func(opts browser.SessionOptions) *scriptedSession) *fakeLauncher {
	return &fakeLauncher{factory: factory}
}

func (l *fakeLauncher) NewSession(_ context.Context, opts browser.SessionOptions) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess := l.factory(opts)
	l.launches = append(l.launches, launchRecord{opts: opts, sess: sess, at: time.Now()})
	return sess, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyLoginRequired(_ context.Context, clientID, providerID, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, key(clientID, providerID))
	return nil
}

func testDescriptor(id string, loginRequired bool) *provider.Descriptor {
	return &provider.Descriptor{
		ID:              id,
		BaseURL:         fmt.Sprintf("https://%s.example.com", id),
		LoginRequired:   loginRequired,
		ResultSelectors: []string{".result"},
		LogoutSelectors: []string{"a[href*='logout']"},
	}
}

func newTestManager(store session.Store, launcher Launcher, notifier LoginNotifier, mode Mode) *Manager {
	return NewManager(store, launcher, notifier, Config{
		Mode:               mode,
		Headless:           true,
		LoginPollInterval:  10 * time.Millisecond,
		ManualLoginTimeout: 2 * time.Second,
		NetworkIdleTimeout: 10 * time.Millisecond,
	}, slog.Default())
}

func TestEnsureAnonymousProvider(t *testing.T) {
	store := newMemStore()
	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{}
	})

	autoLoginCalls := 0
	desc := testDescriptor("vendorA", false)
	desc.AutoLogin = func(context.Context, playwright.Page, string, string) error {
		autoLoginCalls++
		return nil
	}

	m := newTestManager(store, launcher, nil, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", desc)

	require.Equal(t, Authenticated, decision.Outcome)
	require.NotNil(t, decision.Session)
	decision.Session.Close()

	assert.Zero(t, autoLoginCalls, "login-free provider must never invoke auto login")
}

func TestEnsureSentinelShortCircuits(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{
		State:      session.SentinelLoginFailed,
		FailReason: "manual login timed out after 30s",
	}

	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{}
	})

	m := newTestManager(store, launcher, nil, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", testDescriptor("vendorB", true))

	assert.Equal(t, Failed, decision.Outcome)
	assert.Equal(t, "manual login timed out after 30s", decision.Reason)
	assert.Zero(t, launcher.launchCount(), "no browser may launch for a failed pair")
}

func TestEnsureLockout(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{
		State:       session.SentinelLoginFailed,
		FailReason:  "wrong password",
		LockedUntil: time.Now().Add(10 * time.Minute),
	}

	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{}
	})

	m := newTestManager(store, launcher, nil, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", testDescriptor("vendorB", true))

	assert.Equal(t, Failed, decision.Outcome)
	assert.Contains(t, decision.Reason, "locked out until")
	assert.Zero(t, launcher.launchCount())
}

func TestEnsureValidArtifactSkipsLogin(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{State: `{"cookies":[{"name":"sid"}]}`}

	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{loggedIn: true}
	})

	autoLoginCalls := 0
	desc := testDescriptor("vendorB", true)
	desc.AutoLogin = func(context.Context, playwright.Page, string, string) error {
		autoLoginCalls++
		return nil
	}

	m := newTestManager(store, launcher, nil, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", desc)

	require.Equal(t, Authenticated, decision.Outcome)
	decision.Session.Close()

	assert.Zero(t, autoLoginCalls, "verified session must not re-login")
	require.Equal(t, 1, launcher.launchCount())
	assert.Equal(t, `{"cookies":[{"name":"sid"}]}`, launcher.launches[0].opts.StorageState,
		"context must be seeded with the stored artifact")
}

func TestEnsureInteractiveEmitsLoginRequired(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}

	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{}
	})

	m := newTestManager(store, launcher, notifier, ModeInteractive)
	desc := testDescriptor("vendorB", true)
	decision := m.Ensure(context.Background(), "client1", desc)

	assert.Equal(t, LoginRequired, decision.Outcome)
	assert.Equal(t, desc.BaseURL, decision.LoginURL)
	assert.Equal(t, []string{"client1/vendorB"}, notifier.calls)
	assert.Zero(t, launcher.launchCount(), "interactive escalation must not open a browser")
}

func TestEnsureCaptchaBlocksAutoLogin(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{State: `{"cookies":[]}`}
	store.creds[key("client1", "vendorB")] = &session.Credentials{Username: "u", Password: "p"}

	var launched *scriptedSession
	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		launched = &scriptedSession{captcha: true}
		return launched
	})

	autoLoginCalls := 0
	desc := testDescriptor("vendorB", true)
	desc.AutoLogin = func(context.Context, playwright.Page, string, string) error {
		autoLoginCalls++
		return nil
	}

	m := newTestManager(store, launcher, &recordingNotifier{}, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", desc)

	assert.Equal(t, LoginRequired, decision.Outcome)
	assert.Zero(t, autoLoginCalls, "credentials must never be submitted against a challenge page")
	assert.True(t, launched.isClosed())
}

func TestEnsureAutoLoginSuccess(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{State: `{"cookies":[]}`}
	store.creds[key("client1", "vendorB")] = &session.Credentials{Username: "mario", Password: "s3greto"}

	var launched *scriptedSession
	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		launched = &scriptedSession{}
		return launched
	})

	var gotUser, gotPass string
	desc := testDescriptor("vendorB", true)
	desc.AutoLogin = func(_ context.Context, _ playwright.Page, username, password string) error {
		gotUser, gotPass = username, password
		launched.setLoggedIn(true)
		return nil
	}

	m := newTestManager(store, launcher, nil, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", desc)

	require.Equal(t, Authenticated, decision.Outcome)
	decision.Session.Close()

	assert.Equal(t, "mario", gotUser)
	assert.Equal(t, "s3greto", gotPass)
	assert.Equal(t, `{"cookies":[]}`, store.savedStates[key("client1", "vendorB")],
		"fresh artifact must be persisted after auto login")
}

func TestEnsureAutoLoginFailureEscalates(t *testing.T) {
	store := newMemStore()
	store.artifacts[key("client1", "vendorB")] = &session.Artifact{State: `{"cookies":[]}`}
	store.creds[key("client1", "vendorB")] = &session.Credentials{Username: "u", Password: "p"}

	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		return &scriptedSession{}
	})

	desc := testDescriptor("vendorB", true)
	desc.AutoLogin = func(context.Context, playwright.Page, string, string) error {
		return fmt.Errorf("form not found")
	}

	notifier := &recordingNotifier{}
	m := newTestManager(store, launcher, notifier, ModeInteractive)
	decision := m.Ensure(context.Background(), "client1", desc)

	assert.Equal(t, LoginRequired, decision.Outcome)
	assert.Len(t, notifier.calls, 1)
}

func TestBatchManualLoginSuccess(t *testing.T) {
	store := newMemStore()

	launcher := newFakeLauncher(func(opts browser.SessionOptions) *scriptedSession {
		return &scriptedSession{loggedInAfter: time.Now().Add(50 * time.Millisecond)}
	})

	m := newTestManager(store, launcher, nil, ModeBatch)
	decision := m.Ensure(context.Background(), "client1", testDescriptor("vendorB", true))

	require.Equal(t, Authenticated, decision.Outcome)
	decision.Session.Close()

	require.Equal(t, 1, launcher.launchCount())
	assert.False(t, launcher.launches[0].opts.Headless, "manual login must run headful")
	assert.NotEmpty(t, store.savedStates[key("client1", "vendorB")])
}

func TestBatchManualLoginTimeout(t *testing.T) {
	store := newMemStore()

	var launched *scriptedSession
	launcher := newFakeLauncher(func(browser.SessionOptions) *scriptedSession {
		launched = &scriptedSession{}
		return launched
	})

	m := NewManager(store, launcher, nil, Config{
		Mode:               ModeBatch,
		Headless:           true,
		LoginPollInterval:  10 * time.Millisecond,
		ManualLoginTimeout: 100 * time.Millisecond,
	}, slog.Default())

	decision := m.Ensure(context.Background(), "client1", testDescriptor("vendorB", true))

	assert.Equal(t, Failed, decision.Outcome)
	assert.Contains(t, decision.Reason, "timed out")
	assert.Contains(t, store.failures[key("client1", "vendorB")], "timed out")
	assert.True(t, launched.isClosed())
}

func TestManualLoginSerialized(t *testing.T) {
	store := newMemStore()

	launcher := newFakeLauncher(func(opts browser.SessionOptions) *scriptedSession {
		return &scriptedSession{loggedInAfter: time.Now().Add(50 * time.Millisecond)}
	})

	m := newTestManager(store, launcher, nil, ModeBatch)

	var wg sync.WaitGroup
	for _, id := range []string{"vendorB", "vendorC"} {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()
			decision := m.Ensure(context.Background(), "client1", testDescriptor(providerID, true))
			if decision.Outcome == Authenticated {
				decision.Session.Close()
			}
		}(id)
	}
	wg.Wait()

	// Each manual login holds the window for at least 50ms before the fake
	// human "finishes"; a serialized second launch cannot start before that.
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	require.Len(t, launcher.launches, 2)
	gap := launcher.launches[1].at.Sub(launcher.launches[0].at)
	assert.GreaterOrEqual(t, gap, 45*time.Millisecond,
		"two interactive logins must never overlap in time")
}
