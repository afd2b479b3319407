package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// templateExplanation is the deterministic fallback narrative. It opens
// with "Price moved N% over T" so the stream layer can substitute the
// top-mover market into the first sentence for event movements.
func templateExplanation(mv types.Movement, class types.Classification, headlines []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Price moved %+.1f%% over %s", mv.PctChange*100, windowLabel(mv.WindowType))
	if mv.WindowVolume > 0 {
		fmt.Fprintf(&b, " on %s volume", formatVolume(mv.WindowVolume))
	}
	b.WriteString(". ")

	switch class {
	case types.ClassCapital:
		fmt.Fprintf(&b, "Volume ran %.1fx the market's baseline, pointing to heavy capital flow.", mv.VolumeRatio)
	case types.ClassVelocity:
		b.WriteString("The move was unusually fast for its window, consistent with a sudden reaction.")
	case types.ClassLiquidity:
		b.WriteString("Liquidity was thin, so the print likely overstates real conviction.")
	case types.ClassNews:
		b.WriteString("News coverage lines up with the move.")
		if len(headlines) > 0 {
			fmt.Fprintf(&b, " Top story: %s.", strings.TrimRight(headlines[0], "."))
		}
	case types.ClassInfo:
		b.WriteString("Price led volume, suggesting traders acting on information not yet in the headlines.")
	case types.ClassTime:
		b.WriteString("The market is approaching resolution, which compresses pricing on its own.")
	default:
		b.WriteString("No single driver stands out.")
	}

	return b.String()
}

func windowLabel(w types.WindowType) string {
	switch w {
	case types.Window5m:
		return "5 minutes"
	case types.Window15m:
		return "15 minutes"
	case types.Window1h:
		return "1 hour"
	case types.Window4h:
		return "4 hours"
	case types.WindowEvent:
		return "the event window"
	default:
		return string(w)
	}
}

func formatVolume(v float64) string {
	switch {
	case v >= 1_000_000:
		return fmt.Sprintf("$%.1fM", v/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("$%.1fK", v/1_000)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

// recencyWeight discounts older windows in the final confidence.
func recencyWeight(w types.WindowType) float64 {
	switch w {
	case types.Window5m:
		return 1.0
	case types.Window15m:
		return 0.85
	case types.Window1h:
		return 0.65
	case types.Window4h:
		return 0.45
	case types.WindowEvent:
		return 0.80
	default:
		return 0.5
	}
}

// timeDecay maps time-to-resolution onto [0,1]: 1 at resolution, 0 at or
// beyond the horizon.
func timeDecay(until, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}
	if until <= 0 {
		return 1
	}
	if until >= horizon {
		return 0
	}
	return 1 - until.Seconds()/horizon.Seconds()
}
