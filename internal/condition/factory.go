package condition

import (
	"fmt"
	"strings"

	"marketwatch/internal/domain"

	"github.com/shopspring/decimal"
)

// Descriptor is the portable declarative form of one condition.
// Params: condition_type selects the variant; remaining fields are type-specific.
// Returns: JSON/TOML-friendly shape used by import/export and config blocks.
type Descriptor struct {
	ConditionType string   `json:"condition_type" toml:"condition_type"`
	Name          string   `json:"name" toml:"name"`
	Description   string   `json:"description,omitempty" toml:"description"`
	Enabled       bool     `json:"enabled" toml:"enabled"`
	Priority      int      `json:"priority" toml:"priority"`
	Symbol        string   `json:"symbol,omitempty" toml:"symbol"`
	Operator      string   `json:"operator,omitempty" toml:"operator"`
	Threshold     *float64 `json:"threshold,omitempty" toml:"threshold"`
	ThresholdMin  *float64 `json:"threshold_min,omitempty" toml:"threshold_min"`
	ThresholdMax  *float64 `json:"threshold_max,omitempty" toml:"threshold_max"`
	IndicatorType string   `json:"indicator_type,omitempty" toml:"indicator_type"`
	AlertType     string   `json:"alert_type,omitempty" toml:"alert_type"`
	TimeType      string   `json:"time_type,omitempty" toml:"time_type"`
	StartTime     string   `json:"start_time,omitempty" toml:"start_time"`
	EndTime       string   `json:"end_time,omitempty" toml:"end_time"`
	ChildIDs      []string `json:"child_ids,omitempty" toml:"child_ids"`
}

// Create builds one typed condition from its declarative descriptor.
// Params: descriptor with condition_type and type-specific fields.
// Returns: constructed condition or configuration error.
func Create(descriptor Descriptor) (Condition, error) {
	conditionType := domain.ConditionType(strings.ToLower(strings.TrimSpace(descriptor.ConditionType)))
	switch conditionType {
	case domain.ConditionTypePrice:
		operator, threshold, err := descriptorThreshold(descriptor)
		if err != nil {
			return nil, err
		}
		return NewPrice(descriptor.Name, descriptor.Description, descriptor.Symbol, operator, threshold)
	case domain.ConditionTypeVolume:
		operator, threshold, err := descriptorThreshold(descriptor)
		if err != nil {
			return nil, err
		}
		return NewVolume(descriptor.Name, descriptor.Description, descriptor.Symbol, operator, threshold)
	case domain.ConditionTypeIndicator, "technical_indicator":
		return createIndicator(descriptor)
	case domain.ConditionTypeTime:
		return NewTime(descriptor.Name, descriptor.Description,
			TimeType(strings.ToLower(strings.TrimSpace(descriptor.TimeType))),
			descriptor.StartTime, descriptor.EndTime)
	case domain.ConditionTypeMarketAlert:
		operator, threshold, err := descriptorThreshold(descriptor)
		if err != nil {
			return nil, err
		}
		return NewMarketAlert(descriptor.Name, descriptor.Description,
			AlertType(strings.ToLower(strings.TrimSpace(descriptor.AlertType))),
			descriptor.Symbol, operator, threshold)
	case domain.ConditionTypeAnd:
		return NewAnd(descriptor.Name, descriptor.Description, descriptor.ChildIDs)
	case domain.ConditionTypeOr:
		return NewOr(descriptor.Name, descriptor.Description, descriptor.ChildIDs)
	case domain.ConditionTypeNot:
		if len(descriptor.ChildIDs) != 1 {
			return nil, fmt.Errorf("not condition requires exactly one child id, got %d", len(descriptor.ChildIDs))
		}
		return NewNot(descriptor.Name, descriptor.Description, descriptor.ChildIDs[0])
	default:
		return nil, fmt.Errorf("unknown condition type %q", descriptor.ConditionType)
	}
}

// createIndicator builds an indicator condition from descriptor fields.
// Params: descriptor with indicator_type and float thresholds.
// Returns: constructed condition or configuration error.
func createIndicator(descriptor Descriptor) (Condition, error) {
	operator, err := ParseOperator(descriptor.Operator)
	if err != nil {
		return nil, err
	}
	indicatorType := domain.IndicatorType(strings.ToLower(strings.TrimSpace(descriptor.IndicatorType)))
	if operator == OpInRange {
		if descriptor.ThresholdMin == nil || descriptor.ThresholdMax == nil {
			return nil, fmt.Errorf("in_range condition %q requires threshold_min and threshold_max", descriptor.Name)
		}
		return NewIndicatorRange(descriptor.Name, descriptor.Description, descriptor.Symbol,
			indicatorType, *descriptor.ThresholdMin, *descriptor.ThresholdMax)
	}
	if descriptor.Threshold == nil {
		return nil, fmt.Errorf("condition %q requires threshold", descriptor.Name)
	}
	return NewIndicator(descriptor.Name, descriptor.Description, descriptor.Symbol,
		indicatorType, operator, *descriptor.Threshold)
}

// descriptorThreshold parses operator and decimal threshold shape.
// Params: descriptor with operator and threshold fields.
// Returns: parsed operator/threshold pair or configuration error.
func descriptorThreshold(descriptor Descriptor) (Operator, Threshold, error) {
	operator, err := ParseOperator(descriptor.Operator)
	if err != nil {
		return "", Threshold{}, err
	}
	if operator == OpInRange {
		if descriptor.ThresholdMin == nil || descriptor.ThresholdMax == nil {
			return "", Threshold{}, fmt.Errorf("in_range condition %q requires threshold_min and threshold_max", descriptor.Name)
		}
		return operator, Range(
			decimal.NewFromFloat(*descriptor.ThresholdMin),
			decimal.NewFromFloat(*descriptor.ThresholdMax),
		), nil
	}
	if descriptor.Threshold == nil {
		return "", Threshold{}, fmt.Errorf("condition %q requires threshold", descriptor.Name)
	}
	return operator, Scalar(decimal.NewFromFloat(*descriptor.Threshold)), nil
}

// Describe converts one constructed condition back into descriptor form.
// Params: condition instance built by this package.
// Returns: portable descriptor (Enabled/Priority filled by the registry owner).
func Describe(cond Condition) (Descriptor, error) {
	descriptor := Descriptor{
		ConditionType: string(cond.Type()),
		Name:          cond.Name(),
		Description:   cond.Description(),
	}
	switch typed := cond.(type) {
	case *Price:
		descriptor.Symbol = typed.symbol
		fillThreshold(&descriptor, typed.operator, typed.threshold)
	case *Volume:
		descriptor.Symbol = typed.symbol
		fillThreshold(&descriptor, typed.operator, typed.threshold)
	case *Indicator:
		descriptor.Symbol = typed.symbol
		descriptor.IndicatorType = string(typed.indicatorType)
		descriptor.Operator = string(typed.operator)
		if typed.operator == OpInRange {
			minValue, maxValue := typed.rangeMin, typed.rangeMax
			descriptor.ThresholdMin = &minValue
			descriptor.ThresholdMax = &maxValue
		} else {
			value := typed.value
			descriptor.Threshold = &value
		}
	case *Time:
		descriptor.TimeType = string(typed.timeType)
		descriptor.StartTime = fmt.Sprintf("%02d:%02d", typed.startMin/60, typed.startMin%60)
		descriptor.EndTime = fmt.Sprintf("%02d:%02d", typed.endMin/60, typed.endMin%60)
	case *MarketAlert:
		descriptor.Symbol = typed.symbol
		descriptor.AlertType = string(typed.alertType)
		fillThreshold(&descriptor, typed.operator, typed.threshold)
	case *And:
		descriptor.ChildIDs = typed.ChildIDs()
	case *Or:
		descriptor.ChildIDs = typed.ChildIDs()
	case *Not:
		descriptor.ChildIDs = typed.ChildIDs()
	default:
		return Descriptor{}, fmt.Errorf("cannot describe condition type %T", cond)
	}
	return descriptor, nil
}

// fillThreshold writes operator and decimal threshold fields into a descriptor.
// Params: destination descriptor, operator, and threshold.
// Returns: descriptor mutated in place.
func fillThreshold(descriptor *Descriptor, operator Operator, threshold Threshold) {
	descriptor.Operator = string(operator)
	if operator == OpInRange {
		minValue := threshold.Min.InexactFloat64()
		maxValue := threshold.Max.InexactFloat64()
		descriptor.ThresholdMin = &minValue
		descriptor.ThresholdMax = &maxValue
		return
	}
	value := threshold.Value.InexactFloat64()
	descriptor.Threshold = &value
}
