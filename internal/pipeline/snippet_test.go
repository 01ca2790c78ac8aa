package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMakeSnippetCollapsesWhitespace(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{"Hello   world", "Hello world"},
		{"a\n\n b\t c", "a b c"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := makeSnippet(tc.body); got != tc.want {
			t.Errorf("makeSnippet(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestMakeSnippetCutsAtWordBoundary(t *testing.T) {
	body := strings.Repeat("a", 120) + " tail words here"
	got := makeSnippet(body)
	if len(got) != 120 {
		t.Errorf("snippet length = %d, want 120", len(got))
	}
	if strings.Contains(got, " ") {
		t.Errorf("snippet crossed the word boundary: %q", got)
	}
}

func TestMakeSnippetNeverExceedsCap(t *testing.T) {
	// No space anywhere near the soft size; the cut falls back to it.
	body := strings.Repeat("a", 1000)
	got := makeSnippet(body)
	if len(got) == 0 || len(got) > snippetMaxSize {
		t.Errorf("snippet length = %d, want within (0, %d]", len(got), snippetMaxSize)
	}
}

func TestMakeSnippetKeepsRunesIntact(t *testing.T) {
	// 3-byte runes with no spaces: a byte-index cut would split one.
	body := strings.Repeat("日", 200)
	got := makeSnippet(body)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("日", 33) {
		t.Errorf("snippet = %q, want 33 whole runes", got)
	}
}
