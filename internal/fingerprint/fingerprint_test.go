package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestFormSignatureIgnoresOrderAndCopy(t *testing.T) {
	t.Parallel()

	a := []submission.FormField{
		{Tag: "input", Type: "text", Name: "company", Label: "Company"},
		{Tag: "input", Type: "email", Name: "email", Placeholder: "you@example.com"},
	}
	b := []submission.FormField{
		{Tag: "input", Type: "email", Name: "email"},
		{Tag: "input", Type: "text", Name: "company", Label: "Business name"},
	}
	require.Equal(t, FormSignature(a), FormSignature(b))
	require.Len(t, FormSignature(a), 64)

	changed := append([]submission.FormField{{Tag: "input", Type: "tel", Name: "phone"}}, a...)
	require.NotEqual(t, FormSignature(a), FormSignature(changed))
	require.Empty(t, FormSignature(nil))
}
