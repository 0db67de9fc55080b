package domain

import (
	"fmt"
	"time"
)

// ConditionType identifies the concrete condition variant.
// Params: normalized type constants shared with descriptor import/export.
// Returns: typed condition kind used for metrics and factory dispatch.
type ConditionType string

const (
	// ConditionTypePrice marks a price threshold condition.
	ConditionTypePrice ConditionType = "price"
	// ConditionTypeVolume marks a 24h volume threshold condition.
	ConditionTypeVolume ConditionType = "volume"
	// ConditionTypeTime marks a snapshot-time window condition.
	ConditionTypeTime ConditionType = "time"
	// ConditionTypeIndicator marks a technical indicator condition.
	ConditionTypeIndicator ConditionType = "indicator"
	// ConditionTypeMarketAlert marks a derived market metric condition.
	ConditionTypeMarketAlert ConditionType = "market_alert"
	// ConditionTypeAnd marks an all-children combinator.
	ConditionTypeAnd ConditionType = "and"
	// ConditionTypeOr marks an any-child combinator.
	ConditionTypeOr ConditionType = "or"
	// ConditionTypeNot marks a negating combinator.
	ConditionTypeNot ConditionType = "not"
)

// ConditionCategory routes trigger handlers by closed category set.
// Params: category constants for handler dispatch.
// Returns: typed routing key replacing free-form type strings.
type ConditionCategory string

const (
	// CategoryPrice routes price condition triggers.
	CategoryPrice ConditionCategory = "price"
	// CategoryVolume routes volume condition triggers.
	CategoryVolume ConditionCategory = "volume"
	// CategoryTime routes time window condition triggers.
	CategoryTime ConditionCategory = "time"
	// CategoryIndicator routes technical indicator triggers.
	CategoryIndicator ConditionCategory = "indicator"
	// CategoryMarketAlert routes derived market alert triggers.
	CategoryMarketAlert ConditionCategory = "market_alert"
	// CategoryComposite routes combinator (and/or/not) triggers.
	CategoryComposite ConditionCategory = "composite"
)

// CategoryForType maps condition type to its handler category.
// Params: condition type.
// Returns: handler routing category.
func CategoryForType(conditionType ConditionType) ConditionCategory {
	switch conditionType {
	case ConditionTypePrice:
		return CategoryPrice
	case ConditionTypeVolume:
		return CategoryVolume
	case ConditionTypeTime:
		return CategoryTime
	case ConditionTypeIndicator:
		return CategoryIndicator
	case ConditionTypeMarketAlert:
		return CategoryMarketAlert
	default:
		return CategoryComposite
	}
}

// ConditionResult is one immutable evaluation outcome.
// Params: satisfied flag, formatted evaluated value, and human detail.
// Returns: value object carried by trigger events and cache entries.
type ConditionResult struct {
	Satisfied bool   `json:"satisfied"`
	Value     string `json:"value,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Unsatisfied builds a not-satisfied result with formatted detail.
// Params: detail format string and args.
// Returns: unsatisfied result value.
func Unsatisfied(format string, args ...any) ConditionResult {
	return ConditionResult{Satisfied: false, Details: fmt.Sprintf(format, args...)}
}

// EvaluationStrategy selects how EvaluateAll iterates registered conditions.
// Params: strategy constants.
// Returns: typed iteration policy.
type EvaluationStrategy string

const (
	// StrategySequential evaluates conditions one at a time in registration order.
	StrategySequential EvaluationStrategy = "sequential"
	// StrategyParallel evaluates conditions concurrently under a bounded gate.
	StrategyParallel EvaluationStrategy = "parallel"
	// StrategyPriority evaluates conditions in descending priority order.
	StrategyPriority EvaluationStrategy = "priority"
	// StrategyAdaptive picks parallel or sequential from current registry size.
	StrategyAdaptive EvaluationStrategy = "adaptive"
)

// ValidStrategy reports whether the strategy value is supported.
// Params: candidate strategy.
// Returns: true for a known strategy constant.
func ValidStrategy(strategy EvaluationStrategy) bool {
	switch strategy {
	case StrategySequential, StrategyParallel, StrategyPriority, StrategyAdaptive:
		return true
	default:
		return false
	}
}

// TimeoutPolicy selects the outcome for evaluations exceeding the time budget.
// Params: policy constants.
// Returns: typed timeout handling mode.
type TimeoutPolicy string

const (
	// TimeoutSkip drops the timed-out condition from results.
	TimeoutSkip TimeoutPolicy = "skip"
	// TimeoutMark yields an unsatisfied result tagged with timeout metadata.
	TimeoutMark TimeoutPolicy = "timeout"
)

// EvaluationContext is per-call evaluation configuration.
// Params: tracing id, call timestamp, strategy, time budget, and cache toggle.
// Returns: immutable configuration snapshot for one evaluate call.
type EvaluationContext struct {
	EvaluationID     string
	Timestamp        time.Time
	Strategy         EvaluationStrategy
	MaxExecutionTime time.Duration
	TimeoutHandling  TimeoutPolicy
	EnableCache      bool
}

// TriggerEvent is emitted once per surfaced condition evaluation.
// Params: event identity, condition snapshot fields, result, and metadata.
// Returns: immutable record consumed by trigger handlers and notifications.
type TriggerEvent struct {
	EventID       string            `json:"event_id"`
	ConditionID   string            `json:"condition_id"`
	ConditionName string            `json:"condition_name"`
	Category      ConditionCategory `json:"category"`
	Result        ConditionResult   `json:"result"`
	Priority      int               `json:"priority"`
	EvaluationID  string            `json:"evaluation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ClampPriority normalizes condition priority into the 1..10 event range.
// Params: raw condition priority.
// Returns: priority bounded to [1, 10].
func ClampPriority(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > 10 {
		return 10
	}
	return priority
}
