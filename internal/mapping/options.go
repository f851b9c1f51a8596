package mapping

import (
	"strings"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Options tunes strategy confidences and semantic scoring.
type Options struct {
	VerifiedConfidence     float64        `mapstructure:"verified_confidence"`
	NeedsTestingConfidence float64        `mapstructure:"needs_testing_confidence"`
	SemanticConfidence     float64        `mapstructure:"semantic_confidence"`
	PatternConfidence      float64        `mapstructure:"pattern_confidence"`
	MinScore               int            `mapstructure:"min_score"`
	Weights                map[string]int `mapstructure:"weights"`
	CacheBack              bool           `mapstructure:"cache_back"`
}

// DefaultWeights are the per-field semantic weights.
func DefaultWeights() map[string]int {
	return map[string]int{
		string(submission.FieldBusinessName): 10,
		string(submission.FieldEmail):        10,
		string(submission.FieldPhone):        9,
		string(submission.FieldWebsite):      8,
		string(submission.FieldAddress):      7,
		string(submission.FieldCity):         6,
		string(submission.FieldState):        6,
		string(submission.FieldZip):          6,
		string(submission.FieldDescription):  6,
		string(submission.FieldCategory):     5,
		string(submission.FieldFacebook):     5,
		string(submission.FieldTwitter):      5,
		string(submission.FieldLinkedIn):     5,
		string(submission.FieldInstagram):    5,
		string(submission.FieldLogo):         5,
	}
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		VerifiedConfidence:     0.95,
		NeedsTestingConfidence: 0.85,
		SemanticConfidence:     0.8,
		PatternConfidence:      0.6,
		MinScore:               5,
		Weights:                DefaultWeights(),
		CacheBack:              true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.VerifiedConfidence <= 0 {
		o.VerifiedConfidence = d.VerifiedConfidence
	}
	if o.NeedsTestingConfidence <= 0 {
		o.NeedsTestingConfidence = d.NeedsTestingConfidence
	}
	if o.SemanticConfidence <= 0 {
		o.SemanticConfidence = d.SemanticConfidence
	}
	if o.PatternConfidence <= 0 {
		o.PatternConfidence = d.PatternConfidence
	}
	if o.MinScore <= 0 {
		o.MinScore = d.MinScore
	}
	weights := DefaultWeights()
	// viper lowercases map keys
	for k, v := range o.Weights {
		for _, field := range submission.CanonicalFields {
			if strings.EqualFold(k, string(field)) {
				weights[string(field)] = v
			}
		}
	}
	o.Weights = weights
	return o
}

func (o Options) weight(field submission.CanonicalField) int {
	return o.Weights[string(field)]
}
