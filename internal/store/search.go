package store

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var searchDurationMetric otelmetric.Float64Histogram
var searchDurationMetricErr error
var searchMetricsInit = func() {
	meter := otel.GetMeterProvider().Meter("toolmind/store")
	searchDurationMetric, searchDurationMetricErr = meter.Float64Histogram(
		"tool_store_search_duration_seconds",
		otelmetric.WithDescription("Time spent scoring and ranking a Search call against the tool index"),
		otelmetric.WithUnit("s"),
	)
}

func init() {
	searchMetricsInit()
}

func recordSearchDuration(ctx context.Context, d time.Duration) {
	if searchDurationMetricErr != nil || searchDurationMetric == nil {
		return
	}
	searchDurationMetric.Record(ctx, d.Seconds())
}

// SearchWeights are the coefficients applied to each normalized ranking
// signal before summation. The zero value is never used directly; callers
// populate it from configuration.
type SearchWeights struct {
	ExactName        float64
	NameSubstring    float64
	TokenJaccard     float64
	FuzzyName        float64
	DescriptionHit   float64
	TagHit           float64
	CategoryHit      float64
	SynonymExpansion float64
	Popularity       float64
}

// SearchResult pairs a tool with its combined relevance score.
type SearchResult struct {
	Tool  Tool
	Score float64
}

// Index maintains a coarse bleve recall layer over tool documents and
// performs the fine-grained weighted-sum scoring pass described by the
// configured weights. bleve narrows the candidate set cheaply; the final
// ranking and threshold are computed by hand so the scoring formula stays
// exact and independently testable.
type Index struct {
	mu       sync.RWMutex
	bleve    bleve.Index
	tools    map[string]Tool // keyed by id, mirrors bleve contents
	weights  SearchWeights
	synonyms map[string][]string
}

type indexDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Tags        string `json:"tags"`
}

// NewIndex builds an empty in-memory search index.
func NewIndex(weights SearchWeights, synonyms map[string][]string) (*Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, err
	}
	return &Index{
		bleve:    idx,
		tools:    make(map[string]Tool),
		weights:  weights,
		synonyms: synonyms,
	}, nil
}

// Put inserts or replaces a tool document in the index.
func (ix *Index) Put(t Tool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tools[t.ID] = t
	return ix.bleve.Index(t.ID, indexDoc{
		Name:        t.Name,
		Description: t.Description,
		Category:    t.Category,
		Tags:        strings.Join(t.Tags, " "),
	})
}

// Remove deletes a tool document from the index.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.tools, id)
	return ix.bleve.Delete(id)
}

// Rebuild replaces the index contents wholesale, used at startup and after
// bulk store changes.
func (ix *Index) Rebuild(tools []Tool) error {
	ix.mu.Lock()
	mapping := bleve.NewIndexMapping()
	fresh, err := bleve.NewMemOnly(mapping)
	if err != nil {
		ix.mu.Unlock()
		return err
	}
	ix.bleve = fresh
	ix.tools = make(map[string]Tool, len(tools))
	ix.mu.Unlock()

	for _, t := range tools {
		if err := ix.Put(t); err != nil {
			return err
		}
	}
	return nil
}

var tokenSplitter = regexp.MustCompile(`[^a-z0-9]+`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return s
}

func tokenize(s string) []string {
	s = normalize(s)
	parts := tokenSplitter.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// lcsRatio returns the longest-common-subsequence length divided by the
// length of the longer string, a cheap fuzzy-match signal for short names.
func lcsRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la, lb := len(a), len(b)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcsLen := prev[lb]
	longer := la
	if lb > longer {
		longer = lb
	}
	return float64(lcsLen) / float64(longer)
}

func expandSynonyms(tokens []string, table map[string][]string) []string {
	if len(table) == 0 {
		return tokens
	}
	out := make([]string, 0, len(tokens))
	out = append(out, tokens...)
	for _, t := range tokens {
		if alts, ok := table[t]; ok {
			out = append(out, alts...)
		}
	}
	return out
}

// popularitySignal implements the capped logarithmic popularity signal:
// 0.05 * min(1, log(1+execution_count)/log(101)), expressed here without
// the leading weight so callers multiply by Popularity themselves.
func popularitySignal(executionCount int64) float64 {
	v := math.Log(1+float64(executionCount)) / math.Log(101)
	if v > 1 {
		v = 1
	}
	return v
}

// Score computes the weighted-sum relevance of a query against a single
// tool. All component signals are normalized to [0,1] before weighting.
func (ix *Index) Score(query string, t Tool) float64 {
	qNorm := normalize(query)
	nameNorm := normalize(t.Name)
	qTokens := tokenize(query)
	qSet := tokenSet(qTokens)

	nameDescTags := t.Name + " " + t.Description + " " + strings.Join(t.Tags, " ")
	tSet := tokenSet(tokenize(nameDescTags))

	var exactName float64
	if qNorm == nameNorm {
		exactName = 1.0
	}

	var nameSubstring float64
	if qNorm != "" && nameNorm != "" && (strings.Contains(nameNorm, qNorm) || strings.Contains(qNorm, nameNorm)) {
		nameSubstring = 1.0
	}

	tokenJaccard := jaccard(qSet, tSet)
	fuzzyName := lcsRatio(qNorm, nameNorm)

	descNorm := normalize(t.Description)
	var descriptionHit float64
	for tok := range qSet {
		if tok != "" && strings.Contains(descNorm, tok) {
			descriptionHit = 1.0
			break
		}
	}

	var tagHit float64
	if len(qSet) > 0 && len(t.Tags) > 0 {
		tagSet := tokenSet(t.Tags)
		hits := 0
		for tok := range qSet {
			if tagSet[tok] {
				hits++
			}
		}
		tagHit = float64(hits) / float64(len(qSet))
	}

	var categoryHit float64
	if t.Category != "" {
		for tok := range qSet {
			if tok == strings.ToLower(t.Category) {
				categoryHit = 1.0
				break
			}
		}
	}

	expanded := expandSynonyms(qTokens, ix.synonyms)
	synonymExpansion := jaccard(tokenSet(expanded), tSet)

	w := ix.weights
	score := w.ExactName*exactName +
		w.NameSubstring*nameSubstring +
		w.TokenJaccard*tokenJaccard +
		w.FuzzyName*fuzzyName +
		w.DescriptionHit*descriptionHit +
		w.TagHit*tagHit +
		w.CategoryHit*categoryHit +
		w.SynonymExpansion*synonymExpansion +
		w.Popularity*popularitySignal(t.ExecutionCount)

	return score
}

// Search runs the coarse bleve recall pass (or a full scan when the index
// is small) and then the exact weighted-sum scorer, returning results above
// threshold ordered by score desc, execution_count desc, updated_at desc.
func (ix *Index) Search(ctx context.Context, query string, limit int, threshold float64, excludeBugged, activeOnly bool, recallSize int) []SearchResult {
	start := time.Now()
	defer func() { recordSearchDuration(ctx, time.Since(start)) }()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := ix.recall(query, recallSize)

	var results []SearchResult
	for _, t := range candidates {
		if excludeBugged && t.IsBugged {
			continue
		}
		if activeOnly && !t.IsActive {
			continue
		}
		score := ix.Score(query, t)
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{Tool: t, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Tool.ExecutionCount != results[j].Tool.ExecutionCount {
			return results[i].Tool.ExecutionCount > results[j].Tool.ExecutionCount
		}
		return results[i].Tool.UpdatedAt.After(results[j].Tool.UpdatedAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// recall returns the candidate tool set for a query: a bleve query-string
// search when the query is non-empty and the index holds enough documents
// to make pre-filtering worthwhile, otherwise every indexed tool.
func (ix *Index) recall(query string, recallSize int) []Tool {
	if recallSize <= 0 {
		recallSize = 50
	}
	if strings.TrimSpace(query) == "" || len(ix.tools) <= recallSize {
		out := make([]Tool, 0, len(ix.tools))
		for _, t := range ix.tools {
			out = append(out, t)
		}
		return out
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, recallSize, 0, false)
	res, err := ix.bleve.Search(req)
	if err != nil {
		out := make([]Tool, 0, len(ix.tools))
		for _, t := range ix.tools {
			out = append(out, t)
		}
		return out
	}

	out := make([]Tool, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if t, ok := ix.tools[hit.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}
