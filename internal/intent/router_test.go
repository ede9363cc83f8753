package intent

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse/internal/capacity"
)

func testCategories() []Category {
	return []Category{
		{
			Name:     "summarize",
			Keywords: []string{"summarize", "summary", "tldr", "resumer"},
			Phrases:  []*regexp.Regexp{regexp.MustCompile(`sum(marize|\s+up)`)},
			Priority: capacity.PriorityMedium,
		},
		{
			Name:     "translate",
			Keywords: []string{"translate", "traduire", "translation"},
			Priority: capacity.PriorityHigh,
		},
		{
			Name:     "evaluate",
			Keywords: []string{"evaluate", "evaluer", "review", "assess"},
			Priority: capacity.PriorityMedium,
		},
	}
}

type fallbackFunc func(ctx context.Context, text string, categories []string) (string, float64, error)

func (f fallbackFunc) Classify(ctx context.Context, text string, categories []string) (string, float64, error) {
	return f(ctx, text, categories)
}

func TestKeywordTierMatches(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)

	res, err := r.Classify(context.Background(), "translate this")
	require.NoError(t, err)
	require.Equal(t, "translate", res.Category)
	require.Equal(t, MethodKeyword, res.Method)
	require.Equal(t, capacity.PriorityHigh, res.Priority)
	require.GreaterOrEqual(t, res.Confidence, 0.6)
}

func TestAccentAndCaseInsensitive(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)

	accented, err := r.Classify(context.Background(), "ÉVALUER")
	require.NoError(t, err)
	plain, err := r.Classify(context.Background(), "evaluer")
	require.NoError(t, err)

	require.Equal(t, "evaluate", accented.Category)
	require.Equal(t, plain.Category, accented.Category)
	require.Equal(t, plain.Confidence, accented.Confidence)
	// Both normalize to the same text, so the second call is a cache hit.
	require.True(t, plain.FromCache)
}

func TestCacheHitSkipsTiers(t *testing.T) {
	calls := 0
	fb := fallbackFunc(func(ctx context.Context, text string, categories []string) (string, float64, error) {
		calls++
		return "summarize", 0.8, nil
	})
	r := NewRouter(DefaultConfig(), testCategories(), fb, nil)

	// No keyword hits: escalates once, then serves from cache.
	for i := 0; i < 5; i++ {
		res, err := r.Classify(context.Background(), "please condense the quarterly document")
		require.NoError(t, err)
		require.Equal(t, "summarize", res.Category)
		if i > 0 {
			require.True(t, res.FromCache)
		}
	}
	require.Equal(t, 1, calls)
	require.Equal(t, 1, r.CacheSize())
}

func TestCacheExpiresByTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	r := NewRouter(cfg, testCategories(), nil, nil)

	_, err := r.Classify(context.Background(), "translate hello")
	require.NoError(t, err)

	// Age the single entry past the TTL.
	fake := time.Now()
	r.cache.now = func() time.Time { return fake.Add(2 * time.Minute) }

	res, err := r.Classify(context.Background(), "translate hello")
	require.NoError(t, err)
	require.False(t, res.FromCache, "expired entry must be reclassified")
}

func TestCacheLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	r := NewRouter(cfg, testCategories(), nil, nil)

	inputs := []string{"translate one", "translate two", "translate three"}
	for _, in := range inputs {
		_, err := r.Classify(context.Background(), in)
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.CacheSize())

	// The oldest entry was evicted, so it classifies fresh.
	res, err := r.Classify(context.Background(), "translate one")
	require.NoError(t, err)
	require.False(t, res.FromCache)
}

func TestLowConfidenceEscalatesToFallback(t *testing.T) {
	fb := fallbackFunc(func(ctx context.Context, text string, categories []string) (string, float64, error) {
		return "evaluate", 0.7, nil
	})
	r := NewRouter(DefaultConfig(), testCategories(), fb, nil)

	// "review" scores 2 but is buried in a long sentence, dropping
	// keyword confidence below the threshold.
	res, err := r.Classify(context.Background(),
		"could you possibly take a look at this and maybe review whatever seems most relevant to you")
	require.NoError(t, err)
	require.Equal(t, MethodFallback, res.Method)
	require.Equal(t, "evaluate", res.Category)
}

func TestNoFallbackUsesCatchAll(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)

	res, err := r.Classify(context.Background(), "completely unrelated gibberish xyzzy")
	require.NoError(t, err)
	require.Equal(t, "general", res.Category)
	require.Equal(t, MethodDefault, res.Method)
}

func TestEmptyAndPunctuationInput(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)

	for _, in := range []string{"", "   ", "?!...,;"} {
		res, err := r.Classify(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, "general", res.Category)
		require.Equal(t, MethodDefault, res.Method)
		require.Less(t, res.Confidence, 0.5)
	}
}

func TestTiesResolveByDeclarationOrder(t *testing.T) {
	categories := []Category{
		{Name: "first", Keywords: []string{"shared"}},
		{Name: "second", Keywords: []string{"shared"}},
	}
	r := NewRouter(DefaultConfig(), categories, nil, nil)

	res, err := r.Classify(context.Background(), "shared")
	require.NoError(t, err)
	require.Equal(t, "first", res.Category)
}

func TestPhrasePatternScoresHigher(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)

	res, err := r.Classify(context.Background(), "sum up the notes")
	require.NoError(t, err)
	require.Equal(t, "summarize", res.Category)
}

func TestReplaceCategoriesClearsCache(t *testing.T) {
	r := NewRouter(DefaultConfig(), testCategories(), nil, nil)
	_, err := r.Classify(context.Background(), "translate this")
	require.NoError(t, err)
	require.Equal(t, 1, r.CacheSize())

	r.ReplaceCategories([]Category{{Name: "only", Keywords: []string{"only"}}})
	require.Equal(t, 0, r.CacheSize())

	res, err := r.Classify(context.Background(), "only")
	require.NoError(t, err)
	require.Equal(t, "only", res.Category)
}

func TestFallbackErrorPropagates(t *testing.T) {
	boom := errors.New("fallback model unavailable")
	fb := fallbackFunc(func(ctx context.Context, text string, categories []string) (string, float64, error) {
		return "", 0, boom
	})
	r := NewRouter(DefaultConfig(), testCategories(), fb, nil)

	_, err := r.Classify(context.Background(), "nothing matches this text at all")
	require.ErrorIs(t, err, boom)
}
