package worker

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/drblury/liveloop/internal/runtime/engine"
)

// Patch is the source format of the native-sound variant:
//
//	gain = 0.5
//
//	[[voice]]
//	wave = "sine"
//	freq = 220.0
//	amp  = 0.8
type Patch struct {
	Gain   *float64 `toml:"gain"`
	Voices []Voice  `toml:"voice"`

	gain float64
}

// Voice is one oscillator of a Patch. Phase is in cycles.
type Voice struct {
	Wave  string   `toml:"wave"`
	Freq  float64  `toml:"freq"`
	Amp   *float64 `toml:"amp"`
	Phase float64  `toml:"phase"`

	osc engine.Wave
	amp float64
}

// ParsePatch decodes and validates a patch. Failures are *engine.Fault so
// they translate like interpreter errors.
func ParsePatch(name, source string) (*Patch, error) {
	var p Patch
	md, err := toml.Decode(source, &p)
	if err != nil {
		var pe toml.ParseError
		if errors.As(err, &pe) {
			msg := pe.Message
			if msg == "" {
				msg = pe.Error()
			}
			return nil, engine.NewFault("PatchError", fmt.Sprintf("%s (%s, line %d)", msg, name, pe.Position.Line))
		}
		return nil, engine.NewFault("PatchError", err.Error())
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, engine.NewFault("PatchError", "unknown keys: "+strings.Join(keys, ", "))
	}
	if len(p.Voices) == 0 {
		return nil, engine.NewFault("PatchError", "patch has no [[voice]]")
	}

	p.gain = 1
	if p.Gain != nil {
		p.gain = *p.Gain
	}
	for i := range p.Voices {
		v := &p.Voices[i]
		v.amp = 1
		if v.Amp != nil {
			v.amp = *v.Amp
		}
		if strings.EqualFold(v.Wave, "noise") {
			continue
		}
		osc, ok := engine.Waveform(v.Wave)
		if !ok {
			return nil, engine.NewFault("PatchError", fmt.Sprintf("voice %d: unknown wave %q", i+1, v.Wave))
		}
		if v.Freq <= 0 {
			return nil, engine.NewFault("PatchError", fmt.Sprintf("voice %d: freq must be positive", i+1))
		}
		v.osc = osc
	}
	return &p, nil
}

// Sample mixes all voices at time t.
func (p *Patch) Sample(t float64, noise func() float64) float64 {
	var sum float64
	for i := range p.Voices {
		v := &p.Voices[i]
		if v.osc == nil {
			sum += v.amp * noise()
			continue
		}
		sum += v.amp * v.osc(v.Freq, t+v.Phase/v.Freq)
	}
	return sum * p.gain
}

func newNoise() func() float64 {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 { return rnd.Float64()*2 - 1 }
}
