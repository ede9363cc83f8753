// Package intent classifies free text into a closed set of categories.
// Classification runs two tiers: a deterministic keyword/phrase scorer,
// then an optional fallback collaborator (typically LLM-backed) when the
// keyword tier is not confident enough. Results are cached by a hash of
// the normalized text with LRU and TTL bounds.
package intent

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"synapse/internal/capacity"
)

// Method records which tier produced a classification.
type Method string

const (
	MethodKeyword  Method = "keyword"
	MethodFallback Method = "fallback"
	MethodDefault  Method = "default" // catch-all, no tier matched
)

// Category is one routable intent. Declaration order matters: score
// ties resolve to the earliest declared category.
type Category struct {
	Name     string
	Keywords []string          // exact token match +2, substring match +1
	Phrases  []*regexp.Regexp  // phrase pattern match +3
	Priority capacity.Priority // batch priority for tasks routed here
}

// Result is one classification outcome.
type Result struct {
	Category   string
	Priority   capacity.Priority
	Confidence float64
	Method     Method
	CachedAt   time.Time // when the entry was stored, zero unless cached
	FromCache  bool
}

// Fallback is the second classification tier. Implementations return
// the chosen category name and their own confidence.
type Fallback interface {
	Classify(ctx context.Context, text string, categories []string) (category string, confidence float64, err error)
}

// Config tunes the router.
type Config struct {
	AcceptThreshold float64       // keyword-tier confidence below this escalates
	MinScore        int           // minimum keyword score to be a candidate
	CatchAll        string        // category for unclassifiable input
	CacheSize       int           // max cached classifications
	CacheTTL        time.Duration // cache entry lifetime
}

// DefaultConfig returns the standard router tuning.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.6,
		MinScore:        2,
		CatchAll:        "general",
		CacheSize:       256,
		CacheTTL:        10 * time.Minute,
	}
}

// Router classifies text. Safe for concurrent use; category replacement
// swaps the whole set atomically under the same lock as scoring reads.
type Router struct {
	config   Config
	fallback Fallback
	logger   *zap.Logger
	cache    *classificationCache

	categories atomicCategories
}

// NewRouter builds a router over the given categories. fallback may be
// nil, in which case low-confidence input resolves to the catch-all.
func NewRouter(config Config, categories []Category, fallback Fallback, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		config:   config,
		fallback: fallback,
		logger:   logger,
		cache:    newClassificationCache(config.CacheSize, config.CacheTTL),
	}
	r.categories.store(categories)
	return r
}

// ReplaceCategories swaps the category set, e.g. after a config reload.
// The cache is cleared because prior scores no longer apply.
func (r *Router) ReplaceCategories(categories []Category) {
	r.categories.store(categories)
	r.cache.clear()
	r.logger.Info("intent categories replaced", zap.Int("count", len(categories)))
}

// CacheSize returns the number of cached classifications.
func (r *Router) CacheSize() int { return r.cache.size() }

// ClearCache drops all cached classifications.
func (r *Router) ClearCache() { r.cache.clear() }

// Classify resolves text to a category. Cache hits skip both tiers.
func (r *Router) Classify(ctx context.Context, text string) (Result, error) {
	normalized := normalize(text)
	tokens := tokenize(normalized)

	// Empty or punctuation-only input goes straight to the catch-all.
	if len(tokens) == 0 {
		return Result{
			Category:   r.config.CatchAll,
			Priority:   capacity.PriorityLow,
			Confidence: 0.1,
			Method:     MethodDefault,
		}, nil
	}

	key := cacheKey(normalized)
	if cached, ok := r.cache.get(key); ok {
		cached.FromCache = true
		return cached, nil
	}

	result, err := r.classifyUncached(ctx, text, normalized, tokens)
	if err != nil {
		return Result{}, err
	}
	result.CachedAt = time.Now()
	r.cache.put(key, result)
	return result, nil
}

func (r *Router) classifyUncached(ctx context.Context, text, normalized string, tokens []string) (Result, error) {
	categories := r.categories.load()

	best, bestScore := r.scoreCategories(categories, normalized, tokens)
	if bestScore >= r.config.MinScore {
		confidence := keywordConfidence(bestScore, len(tokens))
		if confidence >= r.config.AcceptThreshold {
			return Result{
				Category:   best.Name,
				Priority:   priorityOrDefault(best.Priority),
				Confidence: confidence,
				Method:     MethodKeyword,
			}, nil
		}
		r.logger.Debug("keyword tier below acceptance threshold, escalating",
			zap.String("candidate", best.Name),
			zap.Float64("confidence", confidence))
	}

	return r.escalate(ctx, text, categories)
}

// scoreCategories scores every category and returns the best. Ties keep
// the earlier declaration.
func (r *Router) scoreCategories(categories []Category, normalized string, tokens []string) (Category, int) {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = struct{}{}
	}

	var best Category
	bestScore := -1
	for _, cat := range categories {
		score := 0
		for _, keyword := range cat.Keywords {
			kw := normalize(keyword)
			if _, ok := tokenSet[kw]; ok {
				score += 2
			} else if kw != "" && strings.Contains(normalized, kw) {
				score++
			}
		}
		for _, phrase := range cat.Phrases {
			if phrase.MatchString(normalized) {
				score += 3
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}
	return best, bestScore
}

func (r *Router) escalate(ctx context.Context, text string, categories []Category) (Result, error) {
	if r.fallback == nil {
		return Result{
			Category:   r.config.CatchAll,
			Priority:   capacity.PriorityLow,
			Confidence: 0.3,
			Method:     MethodDefault,
		}, nil
	}

	names := make([]string, 0, len(categories))
	for _, cat := range categories {
		names = append(names, cat.Name)
	}

	name, confidence, err := r.fallback.Classify(ctx, text, names)
	if err != nil {
		return Result{}, err
	}

	for _, cat := range categories {
		if cat.Name == name {
			return Result{
				Category:   name,
				Priority:   priorityOrDefault(cat.Priority),
				Confidence: confidence,
				Method:     MethodFallback,
			}, nil
		}
	}
	// The fallback answered outside the closed set; degrade to catch-all
	// rather than propagate a category nothing can route.
	r.logger.Warn("fallback classifier returned unknown category",
		zap.String("category", name))
	return Result{
		Category:   r.config.CatchAll,
		Priority:   capacity.PriorityLow,
		Confidence: 0.3,
		Method:     MethodFallback,
	}, nil
}

// keywordConfidence scales raw keyword score against input length:
// a score of 2 on a 1-2 word query is decisive, the same score buried
// in a long sentence is not.
func keywordConfidence(score, tokenCount int) float64 {
	confidence := float64(score) / (2.0 + 0.5*float64(tokenCount))
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

func priorityOrDefault(p capacity.Priority) capacity.Priority {
	if p == "" {
		return capacity.PriorityMedium
	}
	return p
}

// atomicCategories holds the category slice behind an atomic pointer so
// hot-path reads never contend with config reloads.
type atomicCategories struct {
	value atomic.Pointer[[]Category]
}

func (a *atomicCategories) store(categories []Category) {
	copied := make([]Category, len(categories))
	copy(copied, categories)
	a.value.Store(&copied)
}

func (a *atomicCategories) load() []Category {
	p := a.value.Load()
	if p == nil {
		return nil
	}
	return *p
}
