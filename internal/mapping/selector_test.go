package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

func TestSelectorPresentMatchesDiscoveredAttributes(t *testing.T) {
	t.Parallel()

	fields := []submission.FormField{
		{Selector: "#biz-name", ID: "Biz-Name", Tag: "input"},
		{Selector: "input[name='contact']", Name: "contact", Type: "email", Tag: "input"},
		{Selector: "textarea[name='about it']", Name: "about it", Label: "About you", Tag: "textarea"},
	}

	cases := []struct {
		sel     string
		present bool
		known   bool
	}{
		{sel: "#biz-name", present: true, known: true},
		{sel: "input#BIZ-NAME", present: true, known: true},
		{sel: "input[type='email']", present: true, known: true},
		{sel: "input[type=email][name=\"contact\"]", present: true, known: true},
		{sel: "input[type='text']", present: true, known: true},
		{sel: "textarea[aria-label='about you']", present: true, known: true},
		{sel: "textarea[name='about it']", present: true, known: true},
		{sel: "input[name='gone']", present: false, known: true},
		{sel: "select[name='contact']", present: false, known: true},
		{sel: ".legacy input", present: false, known: false},
		{sel: "form > input[name='contact']", present: false, known: false},
		{sel: "input[data-role='email']", present: false, known: false},
		{sel: "input:first-child", present: false, known: false},
		{sel: "input[name='", present: false, known: false},
	}
	for _, tc := range cases {
		present, known := selectorPresent(tc.sel, fields)
		require.Equal(t, tc.present, present, tc.sel)
		require.Equal(t, tc.known, known, tc.sel)
	}
}

func TestCommonPatternsAllCompile(t *testing.T) {
	t.Parallel()

	for field, patterns := range commonPatterns {
		for _, p := range patterns {
			if _, ok := parseSelector(p); !ok {
				t.Errorf("%s: pattern %q does not compile", field, p)
			}
		}
	}
}
