package detect

import (
	"log/slog"

	"github.com/playwright-community/playwright-go"
)

const popupClickTimeoutMs = 1500

// DismissPopups clicks every visible element matching the provider's popup
// selectors (consent banners, newsletter overlays). Failures are swallowed:
// a banner that refuses to close must not abort login or scraping.
func DismissPopups(page playwright.Page, selectors []string, logger *slog.Logger) int {
	dismissed := 0

	for _, selector := range selectors {
		locator := page.Locator(selector).First()

		visible, err := locator.IsVisible()
		if err != nil || !visible {
			continue
		}

		err = locator.Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(popupClickTimeoutMs),
		})
		if err != nil {
			logger.Debug("popup dismissal failed", "selector", selector, "error", err)
			continue
		}

		dismissed++
	}

	return dismissed
}
