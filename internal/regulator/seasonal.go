package regulator

import (
	"time"

	"github.com/agrid-dev/heatctld/internal/state"
)

// SeasonalValveTarget is a pure function of the current month and the
// regulator's raw output, per spec.md §4.4. Winter months force the
// valve open; summer months force it closed; shoulder months follow
// the regulator output.
func SeasonalValveTarget(month time.Month, pidOutput float64) state.ValveState {
	switch month {
	case time.November, time.December, time.January, time.February, time.March:
		return state.ValveOpen
	case time.June, time.July, time.August:
		return state.ValveClosed
	default: // April, May, September, October
		if pidOutput > 0 {
			return state.ValveOpen
		}
		return state.ValveClosed
	}
}
