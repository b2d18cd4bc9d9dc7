package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSource(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://Example.substack.com/feed", "example.substack.com"},
		{"no scheme", "example.com/rss", "example.com"},
		{"just host", "example.com", "example.com"},
		{"social handle", "@OpenAI", "@openai"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSource(tc.input); got != tc.expected {
				t.Errorf("SanitizeSource(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	articlesIngestedTotal = nil
	modelRequestsTotal = nil
	guardrailDecisionsTotal = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if articlesIngestedTotal == nil || modelRequestsTotal == nil || guardrailDecisionsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	articlesIngestedTotal.WithLabelValues("example.com", "inserted").Inc()
	if val := testutil.ToFloat64(articlesIngestedTotal); val != 1 {
		t.Errorf("Expected articlesIngestedTotal to be 1, got %f", val)
	}
}

// Fuzz test for SanitizeSource.
func FuzzSanitizeSource(f *testing.F) {
	testcases := []string{"https://example.com", "@handle", "example.com/feed.xml"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSource(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSource(%q) returned an empty string", orig)
		}
	})
}
