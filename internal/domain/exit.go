package domain

// ExitReason names the exit policy that fired for a Position.
type ExitReason string

const (
	ExitNone          ExitReason = ""
	ExitEmergencyStop ExitReason = "EMERGENCY_STOP_LOSS"
	ExitHardStop      ExitReason = "HARD_STOP_LOSS"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitMaxHoldTime   ExitReason = "MAX_HOLD_TIME"
)

// IsStop reports whether the reason is one of the stop-loss family. Stops
// always sell the full remaining quantity.
func (r ExitReason) IsStop() bool {
	switch r {
	case ExitEmergencyStop, ExitHardStop, ExitStopLoss:
		return true
	}
	return false
}
