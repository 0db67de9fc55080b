package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtPrice":    FormatPrice,
		"fmtPercent":  FormatPercent,
		"json":        MarshalJSON,
		"upper":       strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatPrice renders a monetary value with two decimal places.
// Params: template value as decimal.Decimal, float64, or numeric string.
// Returns: fixed-point price string, "n/a" for unparseable input.
func FormatPrice(value any) string {
	switch typed := value.(type) {
	case decimal.Decimal:
		return typed.StringFixed(2)
	case float64:
		return decimal.NewFromFloat(typed).StringFixed(2)
	case string:
		parsed, err := decimal.NewFromString(typed)
		if err != nil {
			return "n/a"
		}
		return parsed.StringFixed(2)
	default:
		return "n/a"
	}
}

// FormatPercent renders a signed percentage with two decimal places.
// Params: template value as decimal.Decimal, float64, or numeric string.
// Returns: signed percent string like "+2.46%", "n/a" for unparseable input.
func FormatPercent(value any) string {
	var parsed decimal.Decimal
	switch typed := value.(type) {
	case decimal.Decimal:
		parsed = typed
	case float64:
		parsed = decimal.NewFromFloat(typed)
	case string:
		fromString, err := decimal.NewFromString(typed)
		if err != nil {
			return "n/a"
		}
		parsed = fromString
	default:
		return "n/a"
	}
	sign := ""
	if parsed.IsPositive() {
		sign = "+"
	}
	return sign + parsed.StringFixed(2) + "%"
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
