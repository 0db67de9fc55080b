package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is one immutable market snapshot consumed by condition evaluation.
// Params: symbol, priced fields, optional technical indicators, and snapshot time.
// Returns: read-only evaluation input produced once per polling cycle.
type MarketData struct {
	Symbol            string          `json:"symbol"`
	Price             decimal.Decimal `json:"price"`
	Volume24h         decimal.Decimal `json:"volume_24h"`
	PriceChange24h    decimal.Decimal `json:"price_change_24h"`
	PriceChangePct24h decimal.Decimal `json:"price_change_percent_24h"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
	RSI               *float64        `json:"rsi,omitempty"`
	MACD              *float64        `json:"macd,omitempty"`
	MACDSignal        *float64        `json:"macd_signal,omitempty"`
	BollingerUpper    *float64        `json:"bollinger_upper,omitempty"`
	BollingerLower    *float64        `json:"bollinger_lower,omitempty"`
	MA20              *float64        `json:"ma_20,omitempty"`
	MA50              *float64        `json:"ma_50,omitempty"`
	OpenInterest      *float64        `json:"open_interest,omitempty"`
	FundingRate       *float64        `json:"funding_rate,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// DecodeSnapshot decodes and validates one market snapshot payload.
// Params: JSON document bytes.
// Returns: validated snapshot or decode/validation error.
func DecodeSnapshot(raw []byte) (MarketData, error) {
	var snapshot MarketData
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return MarketData{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return MarketData{}, err
	}
	return snapshot, nil
}

// DecodeSnapshotReader decodes and validates one snapshot from stream.
// Params: reader with one JSON object.
// Returns: validated snapshot or decode/validation error.
func DecodeSnapshotReader(reader *json.Decoder) (MarketData, error) {
	var snapshot MarketData
	if err := reader.Decode(&snapshot); err != nil {
		return MarketData{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return MarketData{}, err
	}
	return snapshot, nil
}

// DecodeSnapshotsReader decodes and validates one batch of snapshots from stream.
// Params: reader with one JSON array of snapshots.
// Returns: validated snapshot slice or decode/validation error.
func DecodeSnapshotsReader(reader *json.Decoder) ([]MarketData, error) {
	var snapshots []MarketData
	if err := reader.Decode(&snapshots); err != nil {
		return nil, fmt.Errorf("decode snapshot batch: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, errors.New("snapshot batch must contain at least one snapshot")
	}
	for i := range snapshots {
		if err := snapshots[i].Validate(); err != nil {
			return nil, fmt.Errorf("snapshot[%d]: %w", i, err)
		}
	}
	return snapshots, nil
}

// Validate validates one snapshot against the intake contract.
// Params: snapshot fields parsed from transport.
// Returns: validation error when the contract is violated.
func (m MarketData) Validate() error {
	if strings.TrimSpace(m.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if m.Price.IsNegative() {
		return errors.New("price must be >=0")
	}
	if m.Volume24h.IsNegative() {
		return errors.New("volume_24h must be >=0")
	}
	if !m.High24h.IsZero() && !m.Low24h.IsZero() && m.High24h.LessThan(m.Low24h) {
		return errors.New("high_24h must be >= low_24h")
	}
	return nil
}

// Indicator reads one optional indicator field by indicator key.
// Params: normalized indicator key.
// Returns: indicator value and presence flag.
func (m MarketData) Indicator(key IndicatorType) (float64, bool) {
	var value *float64
	switch key {
	case IndicatorRSI:
		value = m.RSI
	case IndicatorMACD:
		value = m.MACD
	case IndicatorMACDSignal:
		value = m.MACDSignal
	case IndicatorBollingerUpper:
		value = m.BollingerUpper
	case IndicatorBollingerLower:
		value = m.BollingerLower
	case IndicatorMA20:
		value = m.MA20
	case IndicatorMA50:
		value = m.MA50
	case IndicatorOpenInterest:
		value = m.OpenInterest
	case IndicatorFundingRate:
		value = m.FundingRate
	}
	if value == nil {
		return 0, false
	}
	return *value, true
}

// Fingerprint derives a stable cache key component from evaluation-relevant fields.
// Params: none.
// Returns: hex SHA1 over symbol, priced fields, and present indicators.
func (m MarketData) Fingerprint() string {
	var builder strings.Builder
	builder.WriteString(m.Symbol)
	builder.WriteByte('|')
	builder.WriteString(m.Price.String())
	builder.WriteByte('|')
	builder.WriteString(m.Volume24h.String())
	builder.WriteByte('|')
	builder.WriteString(m.PriceChange24h.String())
	builder.WriteByte('|')
	builder.WriteString(m.PriceChangePct24h.String())
	builder.WriteByte('|')
	builder.WriteString(m.High24h.String())
	builder.WriteByte('|')
	builder.WriteString(m.Low24h.String())
	for _, indicator := range indicatorFingerprintOrder {
		builder.WriteByte('|')
		if value, ok := m.Indicator(indicator); ok {
			builder.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
		}
	}
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatInt(m.Timestamp.UnixNano(), 10))
	sum := sha1.Sum([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// IndicatorType selects one technical indicator field from a snapshot.
// Params: normalized indicator key constants.
// Returns: typed selector for indicator conditions.
type IndicatorType string

const (
	// IndicatorRSI selects the relative strength index field.
	IndicatorRSI IndicatorType = "rsi"
	// IndicatorMACD selects the MACD line field.
	IndicatorMACD IndicatorType = "macd"
	// IndicatorMACDSignal selects the MACD signal line field.
	IndicatorMACDSignal IndicatorType = "macd_signal"
	// IndicatorBollingerUpper selects the upper Bollinger band field.
	IndicatorBollingerUpper IndicatorType = "bollinger_upper"
	// IndicatorBollingerLower selects the lower Bollinger band field.
	IndicatorBollingerLower IndicatorType = "bollinger_lower"
	// IndicatorMA20 selects the 20-period moving average field.
	IndicatorMA20 IndicatorType = "ma_20"
	// IndicatorMA50 selects the 50-period moving average field.
	IndicatorMA50 IndicatorType = "ma_50"
	// IndicatorOpenInterest selects the open interest field.
	IndicatorOpenInterest IndicatorType = "open_interest"
	// IndicatorFundingRate selects the funding rate field.
	IndicatorFundingRate IndicatorType = "funding_rate"
)

var indicatorFingerprintOrder = []IndicatorType{
	IndicatorRSI,
	IndicatorMACD,
	IndicatorMACDSignal,
	IndicatorBollingerUpper,
	IndicatorBollingerLower,
	IndicatorMA20,
	IndicatorMA50,
	IndicatorOpenInterest,
	IndicatorFundingRate,
}

// SupportedIndicator reports whether the indicator key maps to a snapshot field.
// Params: candidate indicator key.
// Returns: true when the key is known.
func SupportedIndicator(key IndicatorType) bool {
	for _, known := range indicatorFingerprintOrder {
		if known == key {
			return true
		}
	}
	return false
}
