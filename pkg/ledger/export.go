package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// csvHeader is the fixed column order of the CSV export. External consumers
// parse this format bit-exactly; do not reorder.
const csvHeader = "id,timestamp,model,inputTokens,outputTokens,cachedTokens,actualCost,costWithoutShield,totalSaved,feature,cacheHit,guard,cache,context,router,prefix"

// Export is the JSON export envelope.
type Export struct {
	ExportedAt string  `json:"exportedAt"`
	Summary    Summary `json:"summary"`
	Entries    []Entry `json:"entries"`
}

// ExportJSON serializes the ledger with its summary.
func (l *Ledger) ExportJSON() ([]byte, error) {
	summary := l.Summary()
	return json.MarshalIndent(Export{
		ExportedAt: l.cfg.Clock().UTC().Format(time.RFC3339),
		Summary:    summary,
		Entries:    summary.Entries,
	}, "", "  ")
}

// ExportCSV renders the entries with RFC 4180 quoting. Cost fields use six
// decimal places; timestamps are ISO-8601.
func (l *Ledger) ExportCSV() string {
	entries := l.Entries()
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteByte('\n')
	for _, e := range entries {
		fields := []string{
			e.ID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			e.Model,
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.Itoa(e.CachedTokens),
			fmt.Sprintf("%.6f", e.ActualCost),
			fmt.Sprintf("%.6f", e.CostWithoutShield),
			fmt.Sprintf("%.6f", e.TotalSaved),
			e.Feature,
			strconv.FormatBool(e.CacheHit),
			fmt.Sprintf("%.6f", e.Savings.Guard),
			fmt.Sprintf("%.6f", e.Savings.Cache),
			fmt.Sprintf("%.6f", e.Savings.Context),
			fmt.Sprintf("%.6f", e.Savings.Router),
			fmt.Sprintf("%.6f", e.Savings.Prefix),
		}
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(csvQuote(f))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// csvQuote applies RFC 4180 quoting: fields containing a comma, double
// quote or newline are wrapped in quotes with embedded quotes doubled.
func csvQuote(field string) string {
	if !strings.ContainsAny(field, ",\"\n") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
