package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketwatch/internal/domain"

	"github.com/shopspring/decimal"
)

// Condition is one named predicate over a market snapshot.
// Params: pure Evaluate over one immutable snapshot.
// Returns: concurrency-safe predicate registered into the engine.
type Condition interface {
	Name() string
	Description() string
	Type() domain.ConditionType
	Evaluate(snapshot domain.MarketData) domain.ConditionResult
}

// Operator compares an evaluated value against a configured threshold.
// Params: normalized operator constants.
// Returns: typed comparison selector validated at construction.
type Operator string

const (
	// OpGT matches values strictly above the threshold.
	OpGT Operator = "gt"
	// OpGTE matches values at or above the threshold.
	OpGTE Operator = "gte"
	// OpLT matches values strictly below the threshold.
	OpLT Operator = "lt"
	// OpLTE matches values at or below the threshold.
	OpLTE Operator = "lte"
	// OpEQ matches values equal to the threshold.
	OpEQ Operator = "eq"
	// OpNE matches values different from the threshold.
	OpNE Operator = "ne"
	// OpInRange matches values inside the [min, max] threshold range.
	OpInRange Operator = "in_range"
)

// ParseOperator normalizes a descriptor operator token.
// Params: raw operator token ("gt", ">", ">=", "in_range", ...).
// Returns: operator constant or configuration error for unknown tokens.
func ParseOperator(raw string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gt", ">":
		return OpGT, nil
	case "gte", ">=":
		return OpGTE, nil
	case "lt", "<":
		return OpLT, nil
	case "lte", "<=":
		return OpLTE, nil
	case "eq", "==", "=":
		return OpEQ, nil
	case "ne", "!=":
		return OpNE, nil
	case "in_range", "range", "between":
		return OpInRange, nil
	default:
		return "", fmt.Errorf("unknown operator %q", raw)
	}
}

// Threshold carries a scalar value or an inclusive range for in_range.
// Params: Value for scalar operators, Min/Max for OpInRange.
// Returns: threshold shape validated at condition construction.
type Threshold struct {
	Value decimal.Decimal
	Min   decimal.Decimal
	Max   decimal.Decimal
}

// Scalar builds a scalar threshold.
// Params: threshold value.
// Returns: threshold with only Value set.
func Scalar(value decimal.Decimal) Threshold {
	return Threshold{Value: value}
}

// Range builds an inclusive range threshold for OpInRange.
// Params: lower and upper bounds.
// Returns: threshold with Min/Max set.
func Range(min, max decimal.Decimal) Threshold {
	return Threshold{Min: min, Max: max}
}

// validateThreshold checks threshold shape against the operator.
// Params: operator and threshold pair.
// Returns: configuration error for malformed range shapes.
func validateThreshold(operator Operator, threshold Threshold) error {
	if operator == OpInRange {
		if threshold.Max.LessThanOrEqual(threshold.Min) {
			return fmt.Errorf("in_range threshold requires min < max, got [%s, %s]",
				threshold.Min.String(), threshold.Max.String())
		}
		return nil
	}
	return nil
}

// compareDecimal applies the operator to one decimal value.
// Params: operator, evaluated value, and threshold.
// Returns: comparison outcome.
func compareDecimal(operator Operator, value decimal.Decimal, threshold Threshold) bool {
	switch operator {
	case OpGT:
		return value.GreaterThan(threshold.Value)
	case OpGTE:
		return value.GreaterThanOrEqual(threshold.Value)
	case OpLT:
		return value.LessThan(threshold.Value)
	case OpLTE:
		return value.LessThanOrEqual(threshold.Value)
	case OpEQ:
		return value.Equal(threshold.Value)
	case OpNE:
		return !value.Equal(threshold.Value)
	case OpInRange:
		return value.GreaterThanOrEqual(threshold.Min) && value.LessThanOrEqual(threshold.Max)
	default:
		return false
	}
}

// formatFloat renders one indicator value in compact form.
// Params: indicator value.
// Returns: shortest exact string representation.
func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Price is a threshold condition over the snapshot price.
// Params: optional symbol selector, operator, and threshold.
// Returns: price condition with construction-time validation.
type Price struct {
	name        string
	description string
	symbol      string
	operator    Operator
	threshold   Threshold
}

// NewPrice builds a price condition.
// Params: name, description, symbol selector, operator, and threshold.
// Returns: condition or configuration error.
func NewPrice(name, description, symbol string, operator Operator, threshold Threshold) (*Price, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("price condition name is required")
	}
	if err := validateThreshold(operator, threshold); err != nil {
		return nil, err
	}
	return &Price{
		name:        name,
		description: description,
		symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		operator:    operator,
		threshold:   threshold,
	}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Price) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Price) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: price type constant.
func (c *Price) Type() domain.ConditionType { return domain.ConditionTypePrice }

// Symbol returns the configured symbol selector.
// Params: none.
// Returns: normalized symbol or empty string for any-symbol.
func (c *Price) Symbol() string { return c.symbol }

// Evaluate compares the snapshot price against the threshold.
// Params: market snapshot.
// Returns: unsatisfied on symbol mismatch, comparison result otherwise.
func (c *Price) Evaluate(snapshot domain.MarketData) domain.ConditionResult {
	if mismatch, result := symbolMismatch(c.symbol, snapshot.Symbol); mismatch {
		return result
	}
	satisfied := compareDecimal(c.operator, snapshot.Price, c.threshold)
	return domain.ConditionResult{
		Satisfied: satisfied,
		Value:     snapshot.Price.String(),
		Details:   thresholdDetail("price", snapshot.Price.String(), c.operator, c.threshold),
	}
}

// Volume is a threshold condition over the 24h traded volume.
// Params: optional symbol selector, operator, and threshold.
// Returns: volume condition with construction-time validation.
type Volume struct {
	name        string
	description string
	symbol      string
	operator    Operator
	threshold   Threshold
}

// NewVolume builds a volume condition.
// Params: name, description, symbol selector, operator, and threshold.
// Returns: condition or configuration error.
func NewVolume(name, description, symbol string, operator Operator, threshold Threshold) (*Volume, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("volume condition name is required")
	}
	if err := validateThreshold(operator, threshold); err != nil {
		return nil, err
	}
	return &Volume{
		name:        name,
		description: description,
		symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		operator:    operator,
		threshold:   threshold,
	}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Volume) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Volume) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: volume type constant.
func (c *Volume) Type() domain.ConditionType { return domain.ConditionTypeVolume }

// Evaluate compares the 24h volume against the threshold.
// Params: market snapshot.
// Returns: unsatisfied on symbol mismatch, comparison result otherwise.
func (c *Volume) Evaluate(snapshot domain.MarketData) domain.ConditionResult {
	if mismatch, result := symbolMismatch(c.symbol, snapshot.Symbol); mismatch {
		return result
	}
	satisfied := compareDecimal(c.operator, snapshot.Volume24h, c.threshold)
	return domain.ConditionResult{
		Satisfied: satisfied,
		Value:     snapshot.Volume24h.String(),
		Details:   thresholdDetail("volume_24h", snapshot.Volume24h.String(), c.operator, c.threshold),
	}
}

// Indicator is a threshold condition over one technical indicator field.
// Params: symbol selector, indicator key, operator, and float thresholds.
// Returns: indicator condition with construction-time validation.
type Indicator struct {
	name          string
	description   string
	symbol        string
	indicatorType domain.IndicatorType
	operator      Operator
	value         float64
	rangeMin      float64
	rangeMax      float64
}

// NewIndicator builds a technical indicator condition.
// Params: name, description, symbol, indicator key, operator, and scalar threshold.
// Returns: condition or configuration error.
func NewIndicator(name, description, symbol string, indicatorType domain.IndicatorType, operator Operator, value float64) (*Indicator, error) {
	if operator == OpInRange {
		return nil, errors.New("in_range indicator condition requires NewIndicatorRange")
	}
	return newIndicator(name, description, symbol, indicatorType, operator, value, 0, 0)
}

// NewIndicatorRange builds an in_range technical indicator condition.
// Params: name, description, symbol, indicator key, and inclusive bounds.
// Returns: condition or configuration error.
func NewIndicatorRange(name, description, symbol string, indicatorType domain.IndicatorType, min, max float64) (*Indicator, error) {
	if max <= min {
		return nil, fmt.Errorf("in_range threshold requires min < max, got [%v, %v]", min, max)
	}
	return newIndicator(name, description, symbol, indicatorType, OpInRange, 0, min, max)
}

// newIndicator validates shared indicator condition fields.
// Params: full field set for both scalar and range constructors.
// Returns: condition or configuration error.
func newIndicator(name, description, symbol string, indicatorType domain.IndicatorType, operator Operator, value, min, max float64) (*Indicator, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("indicator condition name is required")
	}
	if !domain.SupportedIndicator(indicatorType) {
		return nil, fmt.Errorf("unknown indicator type %q", indicatorType)
	}
	return &Indicator{
		name:          name,
		description:   description,
		symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		indicatorType: indicatorType,
		operator:      operator,
		value:         value,
		rangeMin:      min,
		rangeMax:      max,
	}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Indicator) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Indicator) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: indicator type constant.
func (c *Indicator) Type() domain.ConditionType { return domain.ConditionTypeIndicator }

// IndicatorType returns the selected snapshot field key.
// Params: none.
// Returns: configured indicator key.
func (c *Indicator) IndicatorType() domain.IndicatorType { return c.indicatorType }

// Evaluate compares the selected indicator against the threshold.
// Params: market snapshot.
// Returns: unsatisfied when the indicator is absent or mismatched, comparison result otherwise.
func (c *Indicator) Evaluate(snapshot domain.MarketData) domain.ConditionResult {
	if mismatch, result := symbolMismatch(c.symbol, snapshot.Symbol); mismatch {
		return result
	}
	value, ok := snapshot.Indicator(c.indicatorType)
	if !ok {
		return domain.Unsatisfied("indicator %s not present in snapshot for %s", c.indicatorType, snapshot.Symbol)
	}

	var satisfied bool
	switch c.operator {
	case OpGT:
		satisfied = value > c.value
	case OpGTE:
		satisfied = value >= c.value
	case OpLT:
		satisfied = value < c.value
	case OpLTE:
		satisfied = value <= c.value
	case OpEQ:
		satisfied = value == c.value
	case OpNE:
		satisfied = value != c.value
	case OpInRange:
		satisfied = value >= c.rangeMin && value <= c.rangeMax
	}
	detail := fmt.Sprintf("%s=%s %s %s", c.indicatorType, formatFloat(value), c.operator, c.thresholdText())
	return domain.ConditionResult{Satisfied: satisfied, Value: formatFloat(value), Details: detail}
}

// thresholdText renders the configured threshold for details.
// Params: none.
// Returns: scalar value or range text.
func (c *Indicator) thresholdText() string {
	if c.operator == OpInRange {
		return fmt.Sprintf("[%s, %s]", formatFloat(c.rangeMin), formatFloat(c.rangeMax))
	}
	return formatFloat(c.value)
}

// TimeType selects which clock classification a time condition checks.
// Params: time type constants.
// Returns: typed selector for time conditions.
type TimeType string

const (
	// TimeTypeCurrentTime checks the snapshot time against an HH:MM window.
	TimeTypeCurrentTime TimeType = "current_time"
	// TimeTypeTradingHours checks weekday trading session membership.
	TimeTypeTradingHours TimeType = "trading_hours"
)

const (
	defaultSessionStart = "09:30"
	defaultSessionEnd   = "16:00"
)

// Time is a window condition over the snapshot timestamp.
// Params: time type and HH:MM window bounds.
// Returns: time condition independent of priced snapshot fields.
type Time struct {
	name        string
	description string
	timeType    TimeType
	startMin    int
	endMin      int
}

// NewTime builds a time window condition.
// Params: name, description, time type, and HH:MM bounds (defaulted for trading_hours).
// Returns: condition or configuration error.
func NewTime(name, description string, timeType TimeType, start, end string) (*Time, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("time condition name is required")
	}
	switch timeType {
	case TimeTypeCurrentTime:
		if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
			return nil, errors.New("current_time condition requires start and end")
		}
	case TimeTypeTradingHours:
		if strings.TrimSpace(start) == "" {
			start = defaultSessionStart
		}
		if strings.TrimSpace(end) == "" {
			end = defaultSessionEnd
		}
	default:
		return nil, fmt.Errorf("unknown time type %q", timeType)
	}

	startMin, err := parseClockMinutes(start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	endMin, err := parseClockMinutes(end)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return &Time{
		name:        name,
		description: description,
		timeType:    timeType,
		startMin:    startMin,
		endMin:      endMin,
	}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *Time) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *Time) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: time type constant.
func (c *Time) Type() domain.ConditionType { return domain.ConditionTypeTime }

// Evaluate checks the snapshot timestamp against the configured window.
// Params: market snapshot (only Timestamp is read).
// Returns: window membership result.
func (c *Time) Evaluate(snapshot domain.MarketData) domain.ConditionResult {
	at := snapshot.Timestamp.UTC()
	minutes := at.Hour()*60 + at.Minute()

	inWindow := withinClockWindow(minutes, c.startMin, c.endMin)
	satisfied := inWindow
	if c.timeType == TimeTypeTradingHours {
		weekday := at.Weekday()
		satisfied = inWindow && weekday != time.Saturday && weekday != time.Sunday
	}
	return domain.ConditionResult{
		Satisfied: satisfied,
		Value:     at.Format("15:04"),
		Details: fmt.Sprintf("%s %s in window %02d:%02d-%02d:%02d",
			c.timeType, at.Format("15:04"), c.startMin/60, c.startMin%60, c.endMin/60, c.endMin%60),
	}
}

// parseClockMinutes parses one HH:MM token into minutes since midnight.
// Params: clock token.
// Returns: minutes or configuration error.
func parseClockMinutes(token string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(token))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", token)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// withinClockWindow reports window membership with midnight wrap support.
// Params: candidate minutes and inclusive start / exclusive end bounds.
// Returns: true when minutes fall inside the window.
func withinClockWindow(minutes, start, end int) bool {
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// AlertType selects the derived market metric for market alert conditions.
// Params: alert type constants mapped 1:1 to notification template categories.
// Returns: typed derived metric selector.
type AlertType string

const (
	// AlertPriceChangePercent checks the signed 24h percent price move.
	AlertPriceChangePercent AlertType = "price_change_percent"
	// AlertPriceChange checks the absolute 24h price move.
	AlertPriceChange AlertType = "price_change"
)

// MarketAlert is a threshold condition over derived market metrics.
// Params: alert type, symbol selector, operator, and threshold.
// Returns: market alert condition with construction-time validation.
type MarketAlert struct {
	name        string
	description string
	alertType   AlertType
	symbol      string
	operator    Operator
	threshold   Threshold
}

// NewMarketAlert builds a derived metric alert condition.
// Params: name, description, alert type, symbol selector, operator, and threshold.
// Returns: condition or configuration error.
func NewMarketAlert(name, description string, alertType AlertType, symbol string, operator Operator, threshold Threshold) (*MarketAlert, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("market alert condition name is required")
	}
	switch alertType {
	case AlertPriceChangePercent, AlertPriceChange:
	default:
		return nil, fmt.Errorf("unknown alert type %q", alertType)
	}
	if err := validateThreshold(operator, threshold); err != nil {
		return nil, err
	}
	return &MarketAlert{
		name:        name,
		description: description,
		alertType:   alertType,
		symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		operator:    operator,
		threshold:   threshold,
	}, nil
}

// Name returns the condition name.
// Params: none.
// Returns: configured name.
func (c *MarketAlert) Name() string { return c.name }

// Description returns the condition description.
// Params: none.
// Returns: configured description.
func (c *MarketAlert) Description() string { return c.description }

// Type returns the condition type tag.
// Params: none.
// Returns: market alert type constant.
func (c *MarketAlert) Type() domain.ConditionType { return domain.ConditionTypeMarketAlert }

// AlertType returns the derived metric selector.
// Params: none.
// Returns: configured alert type.
func (c *MarketAlert) AlertType() AlertType { return c.alertType }

// Evaluate compares the derived metric against the threshold.
// Params: market snapshot.
// Returns: unsatisfied on symbol mismatch, comparison result otherwise.
func (c *MarketAlert) Evaluate(snapshot domain.MarketData) domain.ConditionResult {
	if mismatch, result := symbolMismatch(c.symbol, snapshot.Symbol); mismatch {
		return result
	}

	var metric decimal.Decimal
	switch c.alertType {
	case AlertPriceChangePercent:
		metric = snapshot.PriceChangePct24h
	case AlertPriceChange:
		metric = snapshot.PriceChange24h
	}
	satisfied := compareDecimal(c.operator, metric, c.threshold)
	return domain.ConditionResult{
		Satisfied: satisfied,
		Value:     metric.String(),
		Details:   thresholdDetail(string(c.alertType), metric.String(), c.operator, c.threshold),
	}
}

// symbolMismatch builds the shared not-applicable result for symbol filters.
// Params: condition symbol selector and snapshot symbol.
// Returns: mismatch flag and prepared unsatisfied result.
func symbolMismatch(conditionSymbol, snapshotSymbol string) (bool, domain.ConditionResult) {
	if conditionSymbol == "" || strings.EqualFold(conditionSymbol, snapshotSymbol) {
		return false, domain.ConditionResult{}
	}
	return true, domain.Unsatisfied("symbol mismatch: condition targets %s, snapshot is %s",
		conditionSymbol, strings.ToUpper(snapshotSymbol))
}

// thresholdDetail renders one comparison detail line.
// Params: metric label, evaluated value, operator, and threshold.
// Returns: human-readable detail text.
func thresholdDetail(metric, value string, operator Operator, threshold Threshold) string {
	if operator == OpInRange {
		return fmt.Sprintf("%s=%s %s [%s, %s]", metric, value, operator,
			threshold.Min.String(), threshold.Max.String())
	}
	return fmt.Sprintf("%s=%s %s %s", metric, value, operator, threshold.Value.String())
}
