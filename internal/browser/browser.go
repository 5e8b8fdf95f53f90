package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/detect"
)

// Options configures every browsing context launched by the engine.
type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "it-IT,it;q=0.9,en;q=0.8",
		TimezoneID:     "Europe/Rome",
		Locale:         "it-IT",
	}
}

// SessionOptions tunes one browsing context. StorageState, when non-empty,
// seeds the context with a previously captured cookie/local-storage snapshot.
type SessionOptions struct {
	Headless     bool
	StorageState string
}

// Session is one isolated browsing context: its own browser process, cookie
// jar and page. The creating goroutine owns it exclusively and must call
// Close on every exit path.
type Session interface {
	Navigate(ctx context.Context, url string) error
	DismissPopups(selectors []string) int
	LoggedIn(logoutSelectors []string) bool
	CaptchaPresent(ctx context.Context) (bool, error)
	WaitForNetworkIdle(timeout time.Duration)
	StorageState() (string, error)
	Page() playwright.Page
	Close()
}

// Engine owns the playwright driver and launches sessions. One engine per
// process; sessions may be created and used concurrently.
type Engine struct {
	pw     *playwright.Playwright
	opts   *Options
	logger *slog.Logger
}

func NewEngine(opts *Options, logger *slog.Logger) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Engine{
		pw:     pw,
		opts:   opts,
		logger: logger.With("component", "browser"),
	}, nil
}

// Stop shuts down the playwright driver. Sessions must be closed first.
func (e *Engine) Stop() error {
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// NewSession launches a dedicated browser process with one isolated context
// and one page. A crash or ban in one session cannot leak into another.
func (e *Engine) NewSession(ctx context.Context, sessOpts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(sessOpts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}

	browser, err := e.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(e.opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(e.opts.Locale),
		TimezoneId:        playwright.String(e.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
	}

	if sessOpts.StorageState != "" {
		var state playwright.OptionalStorageState
		if err := json.Unmarshal([]byte(sessOpts.StorageState), &state); err != nil {
			browser.Close()
			return nil, fmt.Errorf("failed to decode storage state: %w", err)
		}
		contextOpts.StorageState = &state
	}

	browserCtx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	page.SetDefaultTimeout(float64(e.opts.Timeout.Milliseconds()))

	return &session{
		browser: browser,
		context: browserCtx,
		page:    page,
		logger:  e.logger,
	}, nil
}

type session struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	logger  *slog.Logger
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	return nil
}

func (s *session) DismissPopups(selectors []string) int {
	return detect.DismissPopups(s.page, selectors, s.logger)
}

// LoggedIn probes for logout affordances. Any visible match means an
// authenticated session.
func (s *session) LoggedIn(logoutSelectors []string) bool {
	for _, selector := range logoutSelectors {
		locator := s.page.Locator(selector).First()

		count, err := locator.Count()
		if err != nil || count == 0 {
			continue
		}

		if visible, err := locator.IsVisible(); err == nil && visible {
			return true
		}
	}

	return false
}

func (s *session) CaptchaPresent(ctx context.Context) (bool, error) {
	return detect.FindChallenge(ctx, s.page)
}

// WaitForNetworkIdle blocks until the page settles or the timeout elapses.
// A timeout degrades to "proceed with whatever loaded".
func (s *session) WaitForNetworkIdle(timeout time.Duration) {
	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		s.logger.Debug("network idle wait timed out", "error", err)
	}
}

// StorageState serializes the context's cookies and local storage into the
// artifact format persisted by the session store.
func (s *session) StorageState() (string, error) {
	state, err := s.context.StorageState()
	if err != nil {
		return "", fmt.Errorf("failed to capture storage state: %w", err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode storage state: %w", err)
	}

	return string(raw), nil
}

func (s *session) Page() playwright.Page {
	return s.page
}

// Close releases page, context and browser in order. Errors are logged and
// suppressed: cleanup must never mask the failure that led here.
func (s *session) Close() {
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			s.logger.Debug("failed to close page", "error", err)
		}
	}

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			s.logger.Debug("failed to close context", "error", err)
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Debug("failed to close browser", "error", err)
		}
	}
}
