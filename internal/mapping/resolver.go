// Package mapping resolves which selectors fill which business fields on a
// directory's submission form.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/fingerprint"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Tier names the strategy that produced a mapping.
type Tier string

// Resolution tiers in the order they are tried.
const (
	TierSiteSpecific  Tier = "site_specific"
	TierSemantic      Tier = "semantic"
	TierCommonPattern Tier = "common_pattern"
	TierManual        Tier = "manual"
)

// Input is everything a strategy may look at.
type Input struct {
	Directory submission.Directory
	Stored    *submission.FieldMapping
	Status    submission.VerificationStatus
	Fields    []submission.FormField
	Signature string
}

// Result is a resolved mapping with its confidence.
type Result struct {
	Tier             Tier                    `json:"tier"`
	Mapping          submission.FieldMapping `json:"mapping"`
	Confidence       float64                 `json:"confidence"`
	ManualRequired   bool                    `json:"manual_required"`
	SignatureChanged bool                    `json:"signature_changed,omitempty"`
}

// NeedsManual reports whether the result should go to a human for mapping.
func (r Result) NeedsManual(threshold float64) bool {
	return r.ManualRequired || r.Confidence < threshold
}

// Strategy returns a result or nil to defer to the next strategy.
type Strategy func(in Input, opts Options) *Result

// DefaultStrategies returns the four tiers in order.
func DefaultStrategies() []Strategy {
	return []Strategy{SiteSpecific, Semantic, CommonPattern, Manual}
}

// Resolver runs strategies in order and caches generated mappings back to the catalog.
type Resolver struct {
	catalog    submission.Catalog
	opts       Options
	strategies []Strategy
	logger     *zap.Logger
}

// NewResolver builds a Resolver using the default strategies.
func NewResolver(catalog submission.Catalog, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		catalog:    catalog,
		opts:       opts.withDefaults(),
		strategies: DefaultStrategies(),
		logger:     logger,
	}
}

// Resolve picks a mapping for dir given the fields discovered on its form.
func (r *Resolver) Resolve(ctx context.Context, dir submission.Directory, fields []submission.FormField) (Result, error) {
	in := Input{
		Directory: dir,
		Status:    submission.VerificationUnmapped,
		Fields:    fields,
		Signature: fingerprint.FormSignature(fields),
	}
	stored, status, err := r.catalog.GetMapping(ctx, dir.ID)
	switch {
	case err == nil:
		in.Stored = stored
		in.Status = status
	case errors.Is(err, submission.ErrCatalogNotFound):
	default:
		return Result{}, fmt.Errorf("resolve %q: %w", dir.ID, err)
	}

	for _, strategy := range r.strategies {
		res := strategy(in, r.opts)
		if res == nil {
			continue
		}
		if r.opts.CacheBack && (res.Tier == TierSemantic || res.Tier == TierCommonPattern) {
			if err := r.catalog.UpsertMapping(ctx, dir.ID, res.Mapping, submission.VerificationNeedsTesting); err != nil {
				r.logger.Warn("mapping cache-back failed", zap.String("directory_id", dir.ID), zap.Error(err))
			}
		}
		r.logger.Debug("mapping resolved",
			zap.String("directory_id", dir.ID),
			zap.String("tier", string(res.Tier)),
			zap.Float64("confidence", res.Confidence),
			zap.Bool("signature_changed", res.SignatureChanged),
		)
		return *res, nil
	}
	return *Manual(in, r.opts), nil
}

// SiteSpecific reuses the stored mapping. A verified mapping whose form
// signature changed is trusted only as much as a needs-testing one.
func SiteSpecific(in Input, opts Options) *Result {
	if in.Stored == nil {
		return nil
	}
	var confidence float64
	switch in.Status {
	case submission.VerificationVerified:
		confidence = opts.VerifiedConfidence
	case submission.VerificationNeedsTesting:
		confidence = opts.NeedsTestingConfidence
	default:
		return nil
	}
	m := in.Stored.Clone()
	changed := m.FormSignature != "" && in.Signature != "" && m.FormSignature != in.Signature
	if changed && confidence > opts.NeedsTestingConfidence {
		confidence = opts.NeedsTestingConfidence
	}
	if len(in.Fields) > 0 {
		for field, selectors := range m.Fields {
			kept := selectors[:0]
			for _, sel := range selectors {
				if present, known := selectorPresent(sel, in.Fields); present || !known {
					kept = append(kept, sel)
				}
			}
			if len(kept) == 0 {
				delete(m.Fields, field)
				continue
			}
			m.Fields[field] = kept
		}
	}
	if !hasRequired(m) {
		return nil
	}
	applyDefaults(m, "")
	return &Result{Tier: TierSiteSpecific, Mapping: *m, Confidence: confidence, SignatureChanged: changed}
}

// Semantic scores each discovered input against per-field synonym sets and
// assigns inputs greedily from the highest score down.
func Semantic(in Input, opts Options) *Result {
	type candidate struct {
		field submission.CanonicalField
		rank  int
		input int
		score int
	}
	var candidates []candidate
	for i, f := range in.Fields {
		if !fillable(f) {
			continue
		}
		texts := descriptorTexts(f)
		for rank, field := range submission.CanonicalFields {
			if s := semanticScore(field, f, texts, opts); s >= opts.MinScore {
				candidates = append(candidates, candidate{field: field, rank: rank, input: i, score: s})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.input != b.input {
			return a.input < b.input
		}
		return a.rank < b.rank
	})

	m := &submission.FieldMapping{Fields: make(map[submission.CanonicalField][]string)}
	used := make(map[int]bool)
	for _, c := range candidates {
		if used[c.input] || m.Has(c.field) {
			continue
		}
		used[c.input] = true
		m.Fields[c.field] = []string{in.Fields[c.input].Selector}
	}
	if !hasRequired(m) {
		return nil
	}
	applyDefaults(m, in.Signature)
	return &Result{Tier: TierSemantic, Mapping: *m, Confidence: opts.SemanticConfidence}
}

// CommonPattern matches the generic selector library, then name/id fragments,
// against the discovered inputs in document order.
func CommonPattern(in Input, opts Options) *Result {
	m := &submission.FieldMapping{Fields: make(map[submission.CanonicalField][]string)}
	used := make(map[int]bool)
	for _, field := range submission.CanonicalFields {
		idx := matchPattern(field, in.Fields, used)
		if idx < 0 {
			idx = matchFragment(field, in.Fields, used)
		}
		if idx < 0 {
			continue
		}
		used[idx] = true
		m.Fields[field] = []string{in.Fields[idx].Selector}
	}
	if !hasRequired(m) {
		return nil
	}
	applyDefaults(m, in.Signature)
	return &Result{Tier: TierCommonPattern, Mapping: *m, Confidence: opts.PatternConfidence}
}

// Manual always asks for a human.
func Manual(in Input, _ Options) *Result {
	return &Result{
		Tier:           TierManual,
		Mapping:        submission.FieldMapping{Fields: map[submission.CanonicalField][]string{}, FormSignature: in.Signature},
		ManualRequired: true,
	}
}

func matchPattern(field submission.CanonicalField, fields []submission.FormField, used map[int]bool) int {
	for _, pattern := range commonPatterns[field] {
		spec, ok := parseSelector(pattern)
		if !ok {
			continue
		}
		for i, f := range fields {
			if !used[i] && fillable(f) && spec.matches(f) {
				return i
			}
		}
	}
	return -1
}

func matchFragment(field submission.CanonicalField, fields []submission.FormField, used map[int]bool) int {
	for i, f := range fields {
		if used[i] || !fillable(f) {
			continue
		}
		attrs := strings.ToLower(f.Name + " " + f.ID)
		for _, frag := range attributeFragments[field] {
			if strings.Contains(attrs, frag) {
				return i
			}
		}
	}
	return -1
}

func semanticScore(field submission.CanonicalField, f submission.FormField, texts []string, opts Options) int {
	weight := opts.weight(field)
	if weight <= 0 {
		return 0
	}
	score := 0
	for _, text := range texts {
		if text != "" && mentions(text, synonyms[field]) {
			score += weight
		}
	}
	if typeHints[fieldType(f)] == field {
		score += weight
	}
	return score
}

// descriptorTexts normalizes name, id, label, and placeholder into space-separated
// lowercase words.
func descriptorTexts(f submission.FormField) []string {
	return []string{normalize(f.Name), normalize(f.ID), normalize(f.Label), normalize(f.Placeholder)}
}

func normalize(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteRune(' ')
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
		prev = r
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// mentions matches long synonyms anywhere in the squashed text and short ones
// only as whole words.
func mentions(text string, words []string) bool {
	squashed := strings.ReplaceAll(text, " ", "")
	padded := " " + text + " "
	for _, w := range words {
		if len(w) >= 5 {
			if strings.Contains(squashed, strings.ReplaceAll(strings.ReplaceAll(w, " ", ""), "-", "")) {
				return true
			}
			continue
		}
		if strings.Contains(padded, " "+w+" ") {
			return true
		}
	}
	return false
}

func hasRequired(m *submission.FieldMapping) bool {
	for _, field := range submission.RequiredFields {
		if !m.Has(field) {
			return false
		}
	}
	return true
}

func applyDefaults(m *submission.FieldMapping, signature string) {
	if strings.TrimSpace(m.SubmitSelector) == "" {
		m.SubmitSelector = DefaultSubmitSelector
	}
	if len(m.SuccessIndicators) == 0 {
		m.SuccessIndicators = append([]string(nil), DefaultSuccessIndicators...)
	}
	if len(m.ErrorIndicators) == 0 {
		m.ErrorIndicators = append([]string(nil), DefaultErrorIndicators...)
	}
	if m.FormSignature == "" {
		m.FormSignature = signature
	}
}
