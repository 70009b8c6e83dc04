package align

import (
	"errors"
	"fmt"
)

// Costs are the edit operation costs of the alignment DP. Deletion drops an
// ASR phoneme; insertion consumes a reference phoneme the ASR missed.
type Costs struct {
	Substitution float64 `yaml:"substitution"`
	Insertion    float64 `yaml:"insertion"`
	Deletion     float64 `yaml:"deletion"`
}

// Config tunes the alignment engine. The zero value is not usable; start from
// [DefaultConfig].
type Config struct {
	// LookbackWords and LookaheadWords size the primary search window around
	// the anchor.
	LookbackWords  int `yaml:"lookback_words"`
	LookaheadWords int `yaml:"lookahead_words"`

	// RetryLookbackWords and RetryLookaheadWords size the widened window used
	// by both retry tiers.
	RetryLookbackWords  int `yaml:"retry_lookback_words"`
	RetryLookaheadWords int `yaml:"retry_lookahead_words"`

	// MaxEditDistance is the normalised edit distance a match must not exceed.
	MaxEditDistance float64 `yaml:"max_edit_distance"`

	// MaxEditDistanceRelaxed replaces MaxEditDistance in tier 2.
	MaxEditDistanceRelaxed float64 `yaml:"max_edit_distance_relaxed"`

	// MaxSpecialEditDistance is the acceptance bar for pre-verse formulas.
	MaxSpecialEditDistance float64 `yaml:"max_special_edit_distance"`

	// StartPriorWeight penalises candidates per word of distance between
	// their start and the anchor.
	StartPriorWeight float64 `yaml:"start_prior_weight"`

	// MaxConsecutiveFailures is how many segments may fail every tier in a
	// row before the anchor is abandoned.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// AnchorSegments is how many upcoming segments feed n-gram voting.
	AnchorSegments int `yaml:"anchor_segments"`

	Costs Costs `yaml:"costs"`

	// Undersegmentation review gate: (words >= UndersegMinWords or ayah span
	// >= UndersegMinAyahSpan) and duration >= UndersegMinDuration seconds.
	UndersegMinWords    int     `yaml:"underseg_min_words"`
	UndersegMinAyahSpan int     `yaml:"underseg_min_ayah_span"`
	UndersegMinDuration float64 `yaml:"underseg_min_duration"`

	// TailPenalty is subtracted from the confidence of the final segment when
	// it stops short of a verse end.
	TailPenalty float64 `yaml:"tail_penalty"`
}

// DefaultConfig returns the tuned production defaults.
func DefaultConfig() Config {
	return Config{
		LookbackWords:          30,
		LookaheadWords:         10,
		RetryLookbackWords:     70,
		RetryLookaheadWords:    40,
		MaxEditDistance:        0.25,
		MaxEditDistanceRelaxed: 0.5,
		MaxSpecialEditDistance: 0.35,
		StartPriorWeight:       0.005,
		MaxConsecutiveFailures: 2,
		AnchorSegments:         5,
		Costs: Costs{
			Substitution: 1.0,
			Insertion:    1.0,
			Deletion:     0.8,
		},
		UndersegMinWords:    20,
		UndersegMinAyahSpan: 2,
		UndersegMinDuration: 15,
		TailPenalty:         0.25,
	}
}

// Validate reports every inconsistent field.
func (c Config) Validate() error {
	var errs []error
	if c.LookbackWords < 0 || c.LookaheadWords < 0 {
		errs = append(errs, errors.New("align: lookback_words and lookahead_words must be >= 0"))
	}
	if c.RetryLookbackWords < c.LookbackWords || c.RetryLookaheadWords < c.LookaheadWords {
		errs = append(errs, errors.New("align: retry window must be at least as wide as the primary window"))
	}
	if c.MaxEditDistance <= 0 || c.MaxEditDistance > 1 {
		errs = append(errs, fmt.Errorf("align: max_edit_distance %v outside (0, 1]", c.MaxEditDistance))
	}
	if c.MaxEditDistanceRelaxed < c.MaxEditDistance || c.MaxEditDistanceRelaxed > 1 {
		errs = append(errs, fmt.Errorf("align: max_edit_distance_relaxed %v must be in [max_edit_distance, 1]", c.MaxEditDistanceRelaxed))
	}
	if c.MaxSpecialEditDistance <= 0 || c.MaxSpecialEditDistance > 1 {
		errs = append(errs, fmt.Errorf("align: max_special_edit_distance %v outside (0, 1]", c.MaxSpecialEditDistance))
	}
	if c.StartPriorWeight < 0 {
		errs = append(errs, errors.New("align: start_prior_weight must be >= 0"))
	}
	if c.MaxConsecutiveFailures < 1 {
		errs = append(errs, errors.New("align: max_consecutive_failures must be >= 1"))
	}
	if c.AnchorSegments < 1 {
		errs = append(errs, errors.New("align: anchor_segments must be >= 1"))
	}
	if c.Costs.Substitution <= 0 || c.Costs.Insertion <= 0 || c.Costs.Deletion <= 0 {
		errs = append(errs, errors.New("align: edit costs must be > 0"))
	}
	if c.TailPenalty < 0 || c.TailPenalty > 1 {
		errs = append(errs, fmt.Errorf("align: tail_penalty %v outside [0, 1]", c.TailPenalty))
	}
	return errors.Join(errs...)
}
