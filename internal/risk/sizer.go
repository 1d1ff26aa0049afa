package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sizing rejections. Each one is terminal for the entry attempt that produced it.
var (
	ErrInvalidStop        = errors.New("stop distance must be positive")
	ErrInvalidPipValue    = errors.New("pip value must be positive")
	ErrInvalidRiskPerUnit = errors.New("risk per unit must be positive")
	ErrBelowMinimumVolume = errors.New("ideal volume is below the broker minimum")
)

// SizingRequest carries everything needed to size a trade.
type SizingRequest struct {
	Equity        float64
	RiskFraction  float64 // e.g. 0.01 for 1% of equity
	StopDistance  float64 // In price units
	PipSize       float64
	PipValue      float64 // Account-currency value of one pip for PipValueUnits units
	PipValueUnits float64 // 0 means PipValue is quoted per single unit
	MinVolume     float64
	MaxVolume     float64 // 0 means no upper bound
	VolumeStep    float64 // 0 means no quantization
}

// ComputeVolume returns the quantized trade volume for req or a sizing rejection.
// It is a pure function: identical requests always produce identical results.
func ComputeVolume(req SizingRequest) (float64, error) {
	stop := decimal.NewFromFloat(req.StopDistance)
	if !stop.IsPositive() {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidStop, req.StopDistance)
	}

	monetaryRisk := decimal.NewFromFloat(req.Equity).Mul(decimal.NewFromFloat(req.RiskFraction))

	pipValue := decimal.NewFromFloat(req.PipValue)
	if !pipValue.IsPositive() {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidPipValue, req.PipValue)
	}

	pipSize := decimal.NewFromFloat(req.PipSize)
	if !pipSize.IsPositive() {
		return 0, fmt.Errorf("%w: pip size %v", ErrInvalidRiskPerUnit, req.PipSize)
	}
	units := decimal.NewFromInt(1)
	if req.PipValueUnits > 0 {
		units = decimal.NewFromFloat(req.PipValueUnits)
	}
	stopPips := stop.Div(pipSize)
	riskPerUnit := stopPips.Mul(pipValue).Div(units)
	if !riskPerUnit.IsPositive() {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidRiskPerUnit, riskPerUnit)
	}

	ideal := monetaryRisk.Div(riskPerUnit)
	volume := QuantizeDown(ideal, req.VolumeStep)

	minVolume := decimal.NewFromFloat(req.MinVolume)
	if !volume.IsPositive() || volume.LessThan(minVolume) {
		// Clamping up would risk more than RiskFraction of equity.
		return 0, fmt.Errorf("%w: ideal %s, quantized %s, minimum %s",
			ErrBelowMinimumVolume, ideal.StringFixed(4), volume, minVolume)
	}
	if req.MaxVolume > 0 {
		if maxVolume := decimal.NewFromFloat(req.MaxVolume); volume.GreaterThan(maxVolume) {
			volume = maxVolume
		}
	}

	f, _ := volume.Float64()
	return f, nil
}

// QuantizeDown floors v to a multiple of step. A non-positive step leaves v unchanged.
func QuantizeDown(v decimal.Decimal, step float64) decimal.Decimal {
	s := decimal.NewFromFloat(step)
	if !s.IsPositive() {
		return v
	}
	return v.Div(s).Floor().Mul(s)
}

// QuantizeVolume is the float64 convenience form of QuantizeDown.
func QuantizeVolume(v, step float64) float64 {
	f, _ := QuantizeDown(decimal.NewFromFloat(v), step).Float64()
	return f
}
