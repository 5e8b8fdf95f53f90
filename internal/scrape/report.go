package scrape

import (
	"fmt"
	"strings"
)

// renderReport flattens the collected records into the plain-text report
// handed back to the calling agent: one line per record, pipe-separated,
// beginning with the provider id.
func renderReport(records []Record) string {
	if len(records) == 0 {
		return "no results"
	}

	var b strings.Builder

	for _, rec := range records {
		switch {
		case rec.Err != "" && rec.Query != "":
			fmt.Fprintf(&b, "%s | %s | %s\n", rec.ProviderID, rec.Query, rec.Err)
		case rec.Err != "":
			fmt.Fprintf(&b, "%s | %s\n", rec.ProviderID, rec.Err)
		default:
			fmt.Fprintf(&b, "%s | %s | %s | %s | %s\n",
				rec.ProviderID, rec.Query, rec.Name, rec.Availability, rec.Price)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
