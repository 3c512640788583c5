package email

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
)

// BuildLowAvailabilityBody builds the HTML body for a low availability alert
func BuildLowAvailabilityBody(snap inventory.Snapshot, threshold int64) string {
	rows := []struct {
		label string
		value int64
	}{
		{"Available to sell", snap.AvailableToSell},
		{"On hand", snap.OnHand},
		{"Reserved", snap.ActiveCustomerReservations},
		{"Returned", snap.Returned},
		{"Alert threshold", threshold},
	}

	var rowsHTML strings.Builder
	for _, row := range rows {
		rowsHTML.WriteString(fmt.Sprintf(
			`<tr>
				<td style="padding: 8px; border-bottom: 1px solid #eee;">%s</td>
				<td style="padding: 8px; border-bottom: 1px solid #eee; text-align: right;">%s</td>
			</tr>`,
			row.label,
			formatNumber(row.value),
		))
	}

	updated := "never"
	if !snap.LastUpdated.IsZero() {
		updated = snap.LastUpdated.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<h1 style="font-size: 20px; color: #b45309;">Low availability: %s</h1>
	<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
		<tbody>
			%s
		</tbody>
	</table>
	<p style="font-size: 12px; color: #999;">Snapshot as of token %d, updated %s.</p>
</body>
</html>`, html.EscapeString(snap.PartitionKey), rowsHTML.String(), snap.LastAppliedSequenceToken, updated)
}

// formatNumber formats a number with comma separators
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	remainder := len(str) % 3
	if remainder > 0 {
		result.WriteString(str[:remainder])
		result.WriteString(",")
	}

	for i := remainder; i < len(str); i += 3 {
		result.WriteString(str[i : i+3])
		if i+3 < len(str) {
			result.WriteString(",")
		}
	}

	return result.String()
}
