package segment

import (
	"errors"
	"fmt"
	"strings"
)

// Accepted parameter ranges, in milliseconds.
const (
	MinSilenceLow  = 25
	MinSilenceHigh = 1000
	MinSpeechLow   = 500
	MinSpeechHigh  = 2000
	PadLow         = 0
	PadHigh        = 300
)

// Params controls [Clean].
type Params struct {
	MinSilenceMs int `json:"min_silence_ms" yaml:"min_silence_ms"`
	MinSpeechMs  int `json:"min_speech_ms" yaml:"min_speech_ms"`
	PadMs        int `json:"pad_ms" yaml:"pad_ms"`
}

// Validate checks every field against its accepted range and reports all
// violations at once.
func (p Params) Validate() error {
	var errs []error
	if p.MinSilenceMs < MinSilenceLow || p.MinSilenceMs > MinSilenceHigh {
		errs = append(errs, fmt.Errorf("min_silence_ms %d outside [%d, %d]", p.MinSilenceMs, MinSilenceLow, MinSilenceHigh))
	}
	if p.MinSpeechMs < MinSpeechLow || p.MinSpeechMs > MinSpeechHigh {
		errs = append(errs, fmt.Errorf("min_speech_ms %d outside [%d, %d]", p.MinSpeechMs, MinSpeechLow, MinSpeechHigh))
	}
	if p.PadMs < PadLow || p.PadMs > PadHigh {
		errs = append(errs, fmt.Errorf("pad_ms %d outside [%d, %d]", p.PadMs, PadLow, PadHigh))
	}
	return errors.Join(errs...)
}

// Named presets matching common recitation styles.
var presets = map[string]Params{
	"mujawwad": {MinSilenceMs: 600, MinSpeechMs: 1500, PadMs: 300},
	"murattal": {MinSilenceMs: 200, MinSpeechMs: 750, PadMs: 100},
	"fast":     {MinSilenceMs: 75, MinSpeechMs: 750, PadMs: 40},
}

// DefaultPreset is used when neither explicit values nor a preset are given.
const DefaultPreset = "murattal"

// Preset returns the parameters for a named recitation style
// (mujawwad, murattal, fast). Names are case-insensitive.
func Preset(name string) (Params, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Params{}, fmt.Errorf("segment: unknown preset %q; valid values: fast, mujawwad, murattal", name)
	}
	return p, nil
}

// Overrides are per-request segmentation inputs. A non-empty Preset replaces
// the base parameters; each non-nil field then replaces one value.
type Overrides struct {
	Preset       string `json:"preset"`
	MinSilenceMs *int   `json:"min_silence_ms"`
	MinSpeechMs  *int   `json:"min_speech_ms"`
	PadMs        *int   `json:"pad_ms"`
}

// Apply resolves o against base and validates the result.
func (o Overrides) Apply(base Params) (Params, error) {
	p := base
	if strings.TrimSpace(o.Preset) != "" {
		var err error
		if p, err = Preset(o.Preset); err != nil {
			return Params{}, err
		}
	}
	if o.MinSilenceMs != nil {
		p.MinSilenceMs = *o.MinSilenceMs
	}
	if o.MinSpeechMs != nil {
		p.MinSpeechMs = *o.MinSpeechMs
	}
	if o.PadMs != nil {
		p.PadMs = *o.PadMs
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
