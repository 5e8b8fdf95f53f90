package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/provider"
)

// NotAvailableText is the placeholder for a field no selector matched.
const NotAvailableText = "N/A"

// InStockText replaces an empty or purchase-button availability match.
// Some storefronts only signal stock through an add-to-cart control.
const InStockText = "available"

// Record is one scrape outcome for a (provider, query) pair. Err is set for
// "not found" and error records; the other fields are then empty.
type Record struct {
	ProviderID   string
	Query        string
	Name         string
	Availability string
	Price        string
	Err          string

	// LoginNeeded marks the provider-level record emitted when a human must
	// log in before this provider can be scraped.
	LoginNeeded bool
}

// searchVocabulary feeds accessible-name matching for the search box when a
// descriptor gives no explicit selector.
var searchVocabulary = []string{"search", "cerca", "ricerca"}

// addToCartPattern recognizes purchase affordances whose text stands in for
// an explicit availability label.
var addToCartPattern = regexp.MustCompile(
	`(?i)(add to cart|add to basket|aggiungi al carrello|carrello|acquista|buy now|in den warenkorb)`)

type ExtractorOptions struct {
	// ContainerTimeout bounds the wait on each result-container selector.
	ContainerTimeout time.Duration
	// FieldTimeout bounds each best-effort title/price/availability wait.
	FieldTimeout time.Duration
}

// Extractor runs the DOM heuristics against a page that a session already
// authenticated and navigated to the provider's base URL.
type Extractor struct {
	opts   ExtractorOptions
	logger *slog.Logger
}

func NewExtractor(opts ExtractorOptions, logger *slog.Logger) *Extractor {
	if opts.ContainerTimeout <= 0 {
		opts.ContainerTimeout = 2 * time.Second
	}
	if opts.FieldTimeout <= 0 {
		opts.FieldTimeout = 2 * time.Second
	}

	return &Extractor{
		opts:   opts,
		logger: logger.With("component", "extractor"),
	}
}

// Search submits one product query and extracts a (name, availability,
// price) triple. Every failure degrades to a Record with Err set; it never
// aborts the provider's remaining queries.
func (e *Extractor) Search(ctx context.Context, sess browser.Session, desc *provider.Descriptor, query string) Record {
	rec := Record{ProviderID: desc.ID, Query: query}
	if err := ctx.Err(); err != nil {
		rec.Err = fmt.Sprintf("error: %v", err)
		return rec
	}
	page := sess.Page()

	input, err := e.findSearchInput(page, desc)
	if err != nil {
		rec.Err = fmt.Sprintf("error: %v", err)
		return rec
	}

	if err := input.Fill(query); err != nil {
		rec.Err = fmt.Sprintf("error: fill search box: %v", err)
		return rec
	}

	if err := page.Keyboard().Press("Enter"); err != nil {
		rec.Err = fmt.Sprintf("error: submit search: %v", err)
		return rec
	}

	containerSel := e.waitFirstVisible(page, desc.ResultSelectors, e.opts.ContainerTimeout)
	if containerSel == "" {
		rec.Err = fmt.Sprintf("no result found for %q", query)
		return rec
	}

	// Best-effort field waits: give lazy-rendered fields a chance to appear,
	// then proceed with whatever the page has.
	e.waitFirstVisible(page, desc.TitleSelectors, e.opts.FieldTimeout)
	e.waitAll(page, desc.Availability.All(), e.opts.FieldTimeout)
	e.waitFirstVisible(page, desc.PriceSelectors, e.opts.FieldTimeout)

	html, err := containerHTML(page, containerSel)
	if err != nil {
		rec.Err = fmt.Sprintf("error: read container markup: %v", err)
		return rec
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		rec.Err = fmt.Sprintf("error: parse container markup: %v", err)
		return rec
	}

	rec.Name = firstText(doc, desc.TitleSelectors)
	rec.Price = firstText(doc, desc.PriceSelectors)
	rec.Availability = extractAvailability(doc, desc.Availability)
	return rec
}

// findSearchInput prefers the descriptor's explicit selector and falls back
// to accessible-name matching over the multilingual vocabulary.
func (e *Extractor) findSearchInput(page playwright.Page, desc *provider.Descriptor) (playwright.Locator, error) {
	var candidates []string

	if desc.SearchInput != "" {
		candidates = append(candidates, desc.SearchInput)
	}

	for _, word := range searchVocabulary {
		candidates = append(candidates,
			fmt.Sprintf(`input[placeholder*="%s" i]`, word),
			fmt.Sprintf(`input[aria-label*="%s" i]`, word),
			fmt.Sprintf(`input[title*="%s" i]`, word),
			fmt.Sprintf(`input[name*="%s" i]`, word),
		)
	}
	candidates = append(candidates, `input[type="search"]`, `[role="searchbox"]`)

	for _, selector := range candidates {
		locator := page.Locator(selector).First()

		count, err := locator.Count()
		if err != nil || count == 0 {
			continue
		}

		if visible, err := locator.IsVisible(); err == nil && visible {
			return locator, nil
		}
	}

	return nil, fmt.Errorf("search box not found")
}

// waitFirstVisible races the selectors and returns the first one that
// becomes visible, or "" when none does. The selectors share one deadline
// instead of each consuming its own, so a page with no results costs a
// single timeout regardless of how many selectors the descriptor lists.
func (e *Extractor) waitFirstVisible(page playwright.Page, selectors []string, timeout time.Duration) string {
	return firstVisible(selectors, func(selector string) error {
		return page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
	})
}

func firstVisible(selectors []string, wait func(selector string) error) string {
	if len(selectors) == 0 {
		return ""
	}

	hits := make(chan string, len(selectors))

	var wg sync.WaitGroup
	for _, selector := range selectors {
		wg.Add(1)
		go func(sel string) {
			defer wg.Done()
			if wait(sel) == nil {
				hits <- sel
			}
		}(selector)
	}

	go func() {
		wg.Wait()
		close(hits)
	}()

	// Zero value on close covers the no-match case; losing waits finish in
	// the background when their own timeout fires.
	return <-hits
}

// waitAll waits for every selector concurrently; a selector that never
// appears is tolerated, the conjunction is best-effort.
func (e *Extractor) waitAll(page playwright.Page, selectors []string, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, selector := range selectors {
		wg.Add(1)
		go func(sel string) {
			defer wg.Done()
			err := page.Locator(sel).First().WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateVisible,
				Timeout: playwright.Float(float64(timeout.Milliseconds())),
			})
			if err != nil {
				e.logger.Debug("availability indicator absent", "selector", sel)
			}
		}(selector)
	}
	wg.Wait()
}

// containerHTML re-fetches the rendered markup of the located container so
// parsing is scoped to it and successive searches on the same page cannot
// contaminate each other.
func containerHTML(page playwright.Page, selector string) (string, error) {
	result, err := page.Locator(selector).First().Evaluate("el => el.outerHTML", nil)
	if err != nil {
		return "", err
	}

	html, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected evaluate result %T", result)
	}

	return html, nil
}

// firstText returns the first matching selector's trimmed text, or "N/A".
func firstText(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}

		if text := strings.TrimSpace(sel.Text()); text != "" {
			return text
		}
	}

	return NotAvailableText
}

// extractAvailability concatenates every availability match. In the
// partitioned variant, an "available"-group match whose text is empty or is
// itself an add-to-cart affordance is normalized to the in-stock literal.
func extractAvailability(doc *goquery.Document, selectors provider.Selectors) string {
	var parts []string

	if !selectors.Partitioned() {
		for _, selector := range selectors.Flat() {
			doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
				if text := strings.TrimSpace(s.Text()); text != "" {
					parts = append(parts, text)
				}
			})
		}
	} else {
		for _, selector := range selectors.Available() {
			doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
				text := strings.TrimSpace(s.Text())
				if text == "" || addToCartPattern.MatchString(text) {
					text = InStockText
				}
				parts = append(parts, text)
			})
		}

		for _, selector := range selectors.NotAvailable() {
			doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
				if text := strings.TrimSpace(s.Text()); text != "" {
					parts = append(parts, text)
				}
			})
		}
	}

	if len(parts) == 0 {
		return NotAvailableText
	}

	return strings.Join(parts, ", ")
}
