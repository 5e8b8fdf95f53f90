package detect

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// challengePattern matches the bot-defense vendors and challenge wording we
// have seen in the wild. Detection is a heuristic: a false negative just
// means one wasted auto-login attempt, so the pattern errs on the narrow side.
var challengePattern = regexp.MustCompile(
	`(?i)(captcha|turnstile|geetest|cf-chl|cf_chl|challenge-platform|` +
		`verifica di essere umano|non sono un robot|prove you.?re (a )?human|not a robot|` +
		`unusual traffic|access denied)`)

// tags probed for challenge markers, scanned independently.
var probeTags = []string{"iframe", "form", "div", "script"}

// FindChallenge reports whether the page appears to be behind a bot-defense
// challenge. Candidate strings (iframe URLs, tag attributes, visible text)
// are collected in one pass, then matched concurrently with one task per
// candidate; the first positive match cancels the remaining tasks.
func FindChallenge(ctx context.Context, page playwright.Page) (bool, error) {
	candidates, err := collectCandidates(page)
	if err != nil {
		return false, fmt.Errorf("failed to collect challenge candidates: %w", err)
	}

	return scanCandidates(ctx, candidates), nil
}

func collectCandidates(page playwright.Page) ([]string, error) {
	var candidates []string

	for _, tag := range probeTags {
		result, err := page.Evaluate(tagProbeScript, tag)
		if err != nil {
			// A probe failing on one tag type must not hide hits on the others.
			continue
		}

		values, ok := result.([]interface{})
		if !ok {
			continue
		}

		for _, v := range values {
			if s, ok := v.(string); ok && s != "" {
				candidates = append(candidates, s)
			}
		}
	}

	if text, err := page.Evaluate(`() => document.body ? document.body.innerText.slice(0, 4000) : ''`); err == nil {
		if s, ok := text.(string); ok && s != "" {
			candidates = append(candidates, s)
		}
	}

	return candidates, nil
}

const tagProbeScript = `(tag) => {
	const out = [];
	for (const el of document.querySelectorAll(tag)) {
		const parts = [
			el.getAttribute('src'),
			el.getAttribute('title'),
			el.getAttribute('action'),
			el.getAttribute('class'),
			el.getAttribute('id'),
			el.getAttribute('data-sitekey'),
		];
		const joined = parts.filter(Boolean).join(' ');
		if (joined) out.push(joined);
	}
	return out;
}`

// scanCandidates fans out one goroutine per candidate string. The first hit
// cancels all still-pending siblings to bound latency on element-heavy pages.
func scanCandidates(ctx context.Context, candidates []string) bool {
	if len(candidates) == 0 {
		return false
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		found bool
	)

	for _, candidate := range candidates {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()

			select {
			case <-scanCtx.Done():
				return
			default:
			}

			if challengePattern.MatchString(s) {
				once.Do(func() {
					found = true
					cancel()
				})
			}
		}(candidate)
	}

	wg.Wait()
	return found
}
