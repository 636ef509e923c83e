package httpapi

import (
	"strings"
	"time"

	"github.com/cajpany/tinycdp/internal/model"
)

// csvHeader is the fixed header row for segment export.
const csvHeader = "user_id,created_at,in_segment,since,updated_at,device_id,external_id,email_hash"

// SegmentExportRow is one row of a segment CSV export: a user's membership in the
// exported segment joined with its created-at timestamp and linked aliases.
type SegmentExportRow struct {
	UserID     string
	CreatedAt  time.Time
	Membership model.UserSegment
	DeviceID   string
	ExternalID string
	EmailHash  string
}

// csvQuote double-quotes a field and doubles any embedded quote.
func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// FormatSegmentCSV renders the header row followed by one CSV line per row.
func FormatSegmentCSV(rows []SegmentExportRow) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteString("\n")
	for _, r := range rows {
		since := ""
		if r.Membership.Since != nil {
			since = formatISO(*r.Membership.Since)
		}
		fields := []string{
			csvQuote(r.UserID),
			csvQuote(formatISO(r.CreatedAt)),
			csvQuote(boolString(r.Membership.InSegment)),
			csvQuote(since),
			csvQuote(formatISO(r.Membership.UpdatedAt)),
			csvQuote(r.DeviceID),
			csvQuote(r.ExternalID),
			csvQuote(r.EmailHash),
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
