package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/playwright-community/playwright-go"
)

var (
	ErrDuplicateID    = errors.New("provider id already registered")
	ErrUnknownID      = errors.New("unknown provider id")
	ErrUnreachableURL = errors.New("provider base URL is unreachable")
)

// AutoLoginFunc submits a vendor-specific login form. It runs against a page
// already navigated to the provider's base URL with popups dismissed.
// Credentials arrive decrypted and must never be logged.
type AutoLoginFunc func(ctx context.Context, page playwright.Page, username, password string) error

// Descriptor is the static, per-vendor scraping configuration. Instances are
// built once at startup and never mutated afterwards.
type Descriptor struct {
	ID            string
	BaseURL       string
	LoginRequired bool

	// SearchInput is an optional CSS selector for the search box. When empty
	// (or not found) the extractor falls back to accessible-name matching.
	SearchInput string

	// ResultSelectors are tried in order; the first one to become visible
	// marks the result container.
	ResultSelectors []string

	TitleSelectors []string
	PriceSelectors []string
	Availability   Selectors

	// PopupSelectors identify consent banners and overlays to dismiss
	// before any interaction.
	PopupSelectors []string

	// LogoutSelectors are affordances only present for a signed-in user
	// (logout links, account menus). Used to probe login state.
	LogoutSelectors []string

	AutoLogin AutoLoginFunc
}

// LoginURL is where a human operator is pointed for manual login.
func (d *Descriptor) LoginURL() string {
	return d.BaseURL
}

// Selectors is a closed two-variant set: either a flat list, or a list
// partitioned into "available" and "not available" indicators.
type Selectors struct {
	flat         []string
	available    []string
	notAvailable []string
	partitioned  bool
}

func FlatSelectors(selectors ...string) Selectors {
	return Selectors{flat: selectors}
}

func PartitionedSelectors(available, notAvailable []string) Selectors {
	return Selectors{available: available, notAvailable: notAvailable, partitioned: true}
}

func (s Selectors) Partitioned() bool { return s.partitioned }

func (s Selectors) Flat() []string { return s.flat }

func (s Selectors) Available() []string { return s.available }

func (s Selectors) NotAvailable() []string { return s.notAvailable }

// All returns every selector in declaration order, regardless of variant.
func (s Selectors) All() []string {
	if !s.partitioned {
		return s.flat
	}
	all := make([]string, 0, len(s.available)+len(s.notAvailable))
	all = append(all, s.available...)
	all = append(all, s.notAvailable...)
	return all
}

// Registry holds the provider catalog. It is populated explicitly at startup
// and read-only afterwards; there is no self-registration.
type Registry struct {
	byID  map[string]*Descriptor
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Descriptor)}
}

func (r *Registry) Register(d *Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("descriptor has empty id")
	}

	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}

	if _, err := url.ParseRequestURI(d.BaseURL); err != nil {
		return fmt.Errorf("descriptor %s has invalid base URL: %w", d.ID, err)
	}

	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return d, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) Len() int { return len(r.byID) }

// Validate checks that every registered base URL resolves. Certificate
// errors count as reachable; connection failures do not. Meant to run once
// at process start, where a failure is fatal.
func (r *Registry) Validate(ctx context.Context) error {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	defer client.CloseIdleConnections()

	for _, id := range r.order {
		d := r.byID[id]

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.BaseURL, nil)
		if err != nil {
			return fmt.Errorf("provider %s: %w", id, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("provider %s: %w: %v", id, ErrUnreachableURL, err)
		}
		resp.Body.Close()
	}

	return nil
}
