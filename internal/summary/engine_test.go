package summary

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/gateway"
)

type stubInvoker struct {
	mu       sync.Mutex
	response string
	err      error
	tokens   int64
	inFlight int32
	maxSeen  int32
}

func (s *stubInvoker) InvokeJSON(_ context.Context, _ string, out gateway.Validator) (int64, error) {
	current := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	s.mu.Lock()
	if current > s.maxSeen {
		s.maxSeen = current
	}
	resp, err, tokens := s.response, s.err, s.tokens
	s.mu.Unlock()

	// The gateway reports tokens billed by failed attempts alongside the
	// error; the stub mirrors that.
	if err != nil {
		return tokens, err
	}
	if uerr := json.Unmarshal([]byte(resp), out); uerr != nil {
		return 0, uerr
	}
	if verr := out.Validate(); verr != nil {
		return 0, verr
	}
	return tokens, nil
}

func testCluster(topic string, n int) digest.Cluster {
	members := make([]digest.Article, n)
	for i := range members {
		members[i] = digest.Article{ID: int64(i + 1), SourceID: "s", Content: "body"}
	}
	return digest.Cluster{TopicName: topic, Members: members}
}

func TestSummarizeFillsCluster(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{
		response: `{"summary":"Three papers landed this week.","key_points":["a","b"]}`,
		tokens:   50,
	}
	engine := New(inv, zap.NewNop(), 2)

	c := testCluster("Research", 3)
	tokens := engine.Summarize(context.Background(), &c)

	require.Equal(t, int64(50), tokens)
	require.Equal(t, "Three papers landed this week.", c.Summary)
	require.Equal(t, []string{"a", "b"}, c.KeyPoints)
	require.False(t, c.Degraded)
}

func TestSummarizePlaceholderOnFailure(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{err: digest.ErrCircuitOpen}
	engine := New(inv, zap.NewNop(), 2)

	c := testCluster("Research", 3)
	tokens := engine.Summarize(context.Background(), &c)

	require.Zero(t, tokens)
	require.Equal(t, placeholder, c.Summary)
	require.True(t, c.Degraded)
	// Members are untouched by degradation.
	require.Len(t, c.Members, 3)
}

func TestSummarizeFailureStillReportsBilledTokens(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{
		err:    &digest.ProviderError{Status: 503, Msg: "overloaded", Transient: true},
		tokens: 17,
	}
	engine := New(inv, zap.NewNop(), 2)

	c := testCluster("Research", 3)
	tokens := engine.Summarize(context.Background(), &c)

	// Tokens burned by the failed call reach the spend ledger.
	require.Equal(t, int64(17), tokens)
	require.Equal(t, placeholder, c.Summary)
	require.True(t, c.Degraded)
}

func TestSummarizeAllBoundedConcurrency(t *testing.T) {
	t.Parallel()

	inv := &stubInvoker{
		response: `{"summary":"ok","key_points":[]}`,
		tokens:   10,
	}
	engine := New(inv, zap.NewNop(), 2)

	clusters := []digest.Cluster{
		testCluster("A", 1),
		testCluster("B", 1),
		testCluster("C", 1),
		testCluster("D", 1),
	}
	total := engine.SummarizeAll(context.Background(), clusters)

	require.Equal(t, int64(40), total)
	for _, c := range clusters {
		require.Equal(t, "ok", c.Summary)
	}
	inv.mu.Lock()
	maxSeen := inv.maxSeen
	inv.mu.Unlock()
	require.LessOrEqual(t, maxSeen, int32(2))
}

func TestBuildPromptCapsArticles(t *testing.T) {
	t.Parallel()

	c := testCluster("Big", 25)
	prompt := buildPrompt(c)

	require.Equal(t, maxPromptArticles, strings.Count(prompt, `"snippet"`))
}
