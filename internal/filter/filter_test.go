package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/gateway"
)

type stubInvoker struct {
	responses []string
	errs      []error
	calls     int
	tokens    int64
}

func (s *stubInvoker) InvokeJSON(_ context.Context, _ string, out gateway.Validator) (int64, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return 0, s.errs[idx]
	}
	if idx >= len(s.responses) {
		return 0, fmt.Errorf("unexpected call %d", idx)
	}
	if err := json.Unmarshal([]byte(s.responses[idx]), out); err != nil {
		return 0, err
	}
	return s.tokens, nil
}

func article(title, content string) digest.Article {
	return digest.Article{Title: title, Content: content, SourceID: "s"}
}

func TestApplyKeywordOnly(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	articles := []digest.Article{
		article("New LLM benchmark", "results"),
		article("Gardening tips", "tomatoes"),
		article("", "We fine-tuned a transformer"),
	}

	kept, tokens := f.Apply(context.Background(), articles)
	require.Zero(t, tokens)
	require.Len(t, kept, 2)
	require.Equal(t, "New LLM benchmark", kept[0].Title)
}

func TestApplyModelJudgesUndecided(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{
		responses: []string{`{"relevant_ids":[1]}`},
		tokens:    30,
	}
	f := New(Config{UseModel: true}, inv, zap.NewNop())

	articles := []digest.Article{
		article("Gardening tips", "tomatoes"),
		article("Chip design breakthrough", "new silicon for data centers"),
		article("New LLM benchmark", "results"),
	}

	kept, tokens := f.Apply(context.Background(), articles)
	require.Equal(t, int64(30), tokens)
	require.Equal(t, 1, inv.calls)
	// The keyword match plus the model's pick.
	require.Len(t, kept, 2)
	require.Equal(t, "New LLM benchmark", kept[0].Title)
	require.Equal(t, "Chip design breakthrough", kept[1].Title)
}

func TestApplyFailedChunkKeptWholesale(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{errs: []error{digest.ErrCircuitOpen}}
	f := New(Config{UseModel: true}, inv, zap.NewNop())

	articles := []digest.Article{
		article("Gardening tips", "tomatoes"),
		article("Cooking corner", "pasta"),
	}

	kept, tokens := f.Apply(context.Background(), articles)
	require.Zero(t, tokens)
	// The outage over-includes rather than dropping.
	require.Len(t, kept, 2)
}

func TestApplyChunksLargeWindows(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{
		responses: []string{`{"relevant_ids":[0]}`, `{"relevant_ids":[]}`},
		tokens:    10,
	}
	f := New(Config{UseModel: true}, inv, zap.NewNop())

	articles := make([]digest.Article, 0, 25)
	for i := 0; i < 25; i++ {
		articles = append(articles, article(fmt.Sprintf("Plain title %d", i), "no vocabulary match"))
	}

	kept, tokens := f.Apply(context.Background(), articles)
	require.Equal(t, 2, inv.calls)
	require.Equal(t, int64(20), tokens)
	require.Len(t, kept, 1)
	require.Equal(t, "Plain title 0", kept[0].Title)
}

func TestApplyEmptyWindow(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	kept, tokens := f.Apply(context.Background(), nil)
	require.Empty(t, kept)
	require.Zero(t, tokens)
}
