package provider

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// DefaultCatalog returns the built-in vendor descriptors. The catalog is the
// single place a new vendor is added; everything downstream is driven by the
// descriptor fields.
func DefaultCatalog() []*Descriptor {
	return []*Descriptor{
		{
			ID:            "ferramenta24",
			BaseURL:       "https://www.ferramenta24.it",
			LoginRequired: false,
			ResultSelectors: []string{
				".product-list .product-item",
				".search-results .result-card",
			},
			TitleSelectors: []string{".product-title", "h2.name a"},
			PriceSelectors: []string{".price-current", ".product-price .value"},
			Availability: PartitionedSelectors(
				[]string{".availability.in-stock", ".add-to-cart"},
				[]string{".availability.out-of-stock"},
			),
			PopupSelectors: []string{
				"#onetrust-accept-btn-handler",
				".cookie-banner .accept",
			},
			LogoutSelectors: []string{"a[href*='logout']"},
		},
		{
			ID:            "technoside",
			BaseURL:       "https://www.technoside.it",
			LoginRequired: true,
			SearchInput:   "input#global-search",
			ResultSelectors: []string{
				"#search-results article.product",
				".results-grid .tile",
			},
			TitleSelectors: []string{"article.product h3", ".tile .title"},
			PriceSelectors: []string{".price .net", ".price"},
			Availability: PartitionedSelectors(
				[]string{".stock-badge.available", "button.add-cart"},
				[]string{".stock-badge.unavailable"},
			),
			PopupSelectors: []string{
				".iubenda-cs-accept-btn",
				"button[aria-label='Chiudi']",
			},
			LogoutSelectors: []string{"a[href*='logout']", ".account-menu .sign-out"},
			AutoLogin:       technosideLogin,
		},
		{
			ID:            "elettroforniture",
			BaseURL:       "https://shop.elettroforniture.it",
			LoginRequired: true,
			ResultSelectors: []string{
				".listing .article-row",
			},
			TitleSelectors: []string{".article-row .descr"},
			PriceSelectors: []string{".article-row .prezzo"},
			Availability: FlatSelectors(
				".article-row .disponibilita",
			),
			PopupSelectors: []string{
				".modal-cookie button.ok",
			},
			LogoutSelectors: []string{"#btn-logout", "a[href*='esci']"},
		},
	}
}

// NewRegistryFromCatalog builds and populates a registry in one step.
func NewRegistryFromCatalog(catalog []*Descriptor) (*Registry, error) {
	r := NewRegistry()
	for _, d := range catalog {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func technosideLogin(ctx context.Context, page playwright.Page, username, password string) error {
	if err := page.Locator("a.login-link").First().Click(); err != nil {
		return fmt.Errorf("open login form: %w", err)
	}

	if err := page.Locator("input[name='username']").Fill(username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}

	if err := page.Locator("input[name='password']").Fill(password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	if err := page.Locator("form#login button[type='submit']").Click(); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	return nil
}
