// Package ingest parses directory spreadsheets into catalog records.
package ingest

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Column indices for the directory spreadsheet (0-based).
const (
	colName          = 0 // Column A
	colWebsite       = 1 // Column B
	colCategory      = 2 // Column C
	colAuthority     = 3 // Column D
	colRequiresLogin = 4 // Column E
	colHasCaptcha    = 5 // Column F
	colSubmissionURL = 6 // Column G

	minRequiredColumns = 2
	defaultAuthority   = 50
)

// ImportError reports a rejected spreadsheet row.
type ImportError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// Result is the outcome of parsing one workbook.
type Result struct {
	Directories []submission.Directory `json:"directories"`
	Errors      []ImportError          `json:"errors,omitempty"`
}

// ParseWorkbook reads the first sheet of an .xlsx workbook. A header row whose
// first cell is "name" is skipped. Rows that fail validation are reported in
// Result.Errors; duplicates by id keep the first occurrence.
func ParseWorkbook(r io.Reader) (Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("read rows: %w", err)
	}
	return ParseRows(rows), nil
}

// ParseRows converts raw spreadsheet rows into directories.
func ParseRows(rows [][]string) Result {
	var res Result
	seen := make(map[string]int)
	for i, row := range rows {
		rowNum := i + 1
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "name") {
			continue
		}
		if isBlank(row) {
			continue
		}
		dir, msg := parseRow(row)
		if msg != "" {
			res.Errors = append(res.Errors, ImportError{Row: rowNum, Error: msg})
			continue
		}
		if first, dup := seen[dir.ID]; dup {
			res.Errors = append(res.Errors, ImportError{
				Row:   rowNum,
				Error: fmt.Sprintf("duplicate directory id %q (first seen on row %d)", dir.ID, first),
			})
			continue
		}
		seen[dir.ID] = rowNum
		res.Directories = append(res.Directories, dir)
	}
	return res
}

func parseRow(row []string) (submission.Directory, string) {
	if len(row) < minRequiredColumns {
		return submission.Directory{}, "name and website are required"
	}
	name := strings.TrimSpace(cell(row, colName))
	if name == "" {
		return submission.Directory{}, "name is required"
	}
	website := CleanURL(cell(row, colWebsite))
	if website == "" {
		return submission.Directory{}, "website is required"
	}
	id := Slug(name)
	if id == "" {
		return submission.Directory{}, "name must contain letters or digits"
	}
	authority := defaultAuthority
	if raw := strings.TrimSpace(cell(row, colAuthority)); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			return submission.Directory{}, "domain authority must be a number between 0 and 100"
		}
		authority = int(v)
	}
	submissionURL := CleanURL(cell(row, colSubmissionURL))
	if submissionURL == "" {
		submissionURL = website
		if !strings.HasSuffix(website, "/submit") {
			submissionURL = website + "/submit"
		}
	}
	return submission.Directory{
		ID:                 id,
		Name:               name,
		URL:                website,
		SubmissionURL:      submissionURL,
		Category:           Categorize(name, cell(row, colCategory)),
		Tier:               TierFor(authority),
		DomainAuthority:    authority,
		Difficulty:         DifficultyFor(authority),
		RequiresLogin:      parseBool(cell(row, colRequiresLogin)),
		HasCaptcha:         parseBool(cell(row, colHasCaptcha)),
		Active:             true,
		VerificationStatus: submission.VerificationUnmapped,
	}, ""
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a directory id from its display name.
func Slug(name string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// CleanURL trims, defaults the scheme to https, and drops a trailing slash.
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

var categoryRules = []struct {
	category string
	terms    []string
}{
	{"healthcare", []string{"health", "medical", "dental", "clinic"}},
	{"legal", []string{"legal", "lawyer", "attorney"}},
	{"food-beverage", []string{"restaurant", "food", "dining"}},
	{"travel-hospitality", []string{"hotel", "travel", "tourism"}},
	{"real-estate", []string{"real estate", "property", "realty"}},
	{"automotive", []string{"auto", "car", "vehicle"}},
	{"review-platform", []string{"review", "rating"}},
	{"social-platform", []string{"social", "community"}},
	{"marketplace", []string{"marketplace", "market"}},
	{"local-directory", []string{"local", "city", "regional"}},
}

// Categorize returns the explicit category when present, otherwise a category
// guessed from keywords in the directory name.
func Categorize(name, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return Slug(explicit)
	}
	lower := strings.ToLower(name)
	for _, rule := range categoryRules {
		for _, term := range rule.terms {
			if strings.Contains(lower, term) {
				return rule.category
			}
		}
	}
	return "general-directory"
}

// DifficultyFor buckets domain authority into easy/medium/hard.
func DifficultyFor(authority int) string {
	switch {
	case authority >= 80:
		return "hard"
	case authority >= 50:
		return "medium"
	default:
		return "easy"
	}
}

// TierFor buckets domain authority into catalog tiers 1 (best) through 4.
func TierFor(authority int) int {
	switch {
	case authority >= 80:
		return 1
	case authority >= 60:
		return 2
	case authority >= 40:
		return 3
	default:
		return 4
	}
}

func cell(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "x":
		return true
	default:
		return false
	}
}
