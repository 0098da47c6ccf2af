package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/dop251/goja"
)

// Tau is a full turn in radians.
const Tau = 2 * math.Pi

// Wave is a periodic oscillator evaluated at time t for frequency freq.
type Wave func(freq, t float64) float64

var waves = map[string]Wave{
	"sine":   Sine,
	"saw":    Saw,
	"square": Square,
	"tri":    Tri,
}

// Waveform looks up an oscillator by name.
func Waveform(name string) (Wave, bool) {
	w, ok := waves[strings.ToLower(name)]
	return w, ok
}

func Sine(freq, t float64) float64 {
	return math.Sin(Tau * freq * t)
}

func Saw(freq, t float64) float64 {
	return 2*frac(freq*t) - 1
}

func Square(freq, t float64) float64 {
	if frac(freq*t) < 0.5 {
		return 1
	}
	return -1
}

func Tri(freq, t float64) float64 {
	return 4*math.Abs(frac(freq*t)-0.5) - 1
}

func frac(x float64) float64 {
	return x - math.Floor(x)
}

func installPrelude(rt *goja.Runtime, opts Options) error {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	rnd := newRand(opts.Seed)

	globals := map[string]any{
		"SAMPLE_RATE": rate,
		"TAU":         Tau,
		"noise":       func() float64 { return rnd.Float64()*2 - 1 },
		"clamp": func(x, lo, hi float64) float64 {
			return math.Max(lo, math.Min(hi, x))
		},
		"mix": func(a, b, amount float64) float64 {
			return a + (b-a)*amount
		},
		"print": func(call goja.FunctionCall) goja.Value {
			if opts.Print == nil {
				return goja.Undefined()
			}
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = fmt.Sprint(a.Export())
			}
			opts.Print(strings.Join(parts, " "))
			return goja.Undefined()
		},
	}
	for name, w := range waves {
		globals[name] = (func(float64, float64) float64)(w)
	}
	for name, v := range globals {
		if err := rt.Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
