package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	defaultCacheTTL    = 15 * time.Minute
	maxCacheEntries    = 100
)

// SearchBackend abstracts a web search engine.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
	// Name returns the backend identifier (e.g. "searxng").
	Name() string
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string
	URL     string
	Content string
}

type cacheEntry struct {
	result    string
	expiresAt time.Time
}

var _ domain.CapabilityProvider = (*WebSearch)(nil)

// WebSearch is the built-in search_web capability.
type WebSearch struct {
	backend      SearchBackend
	defaultCount int
	cacheTTL     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewWebSearch creates the search_web capability over backend.
func NewWebSearch(backend SearchBackend, defaultCount int, cacheTTL time.Duration, log *slog.Logger) *WebSearch {
	if defaultCount <= 0 || defaultCount > maxSearchCount {
		defaultCount = defaultSearchCount
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &WebSearch{
		backend:      backend,
		defaultCount: defaultCount,
		cacheTTL:     cacheTTL,
		logger:       logger.OrDiscard(log),
		now:          time.Now,
		cache:        make(map[string]cacheEntry),
	}
}

func (s *WebSearch) Key() string                     { return "search_web" }
func (s *WebSearch) FunctionName() string            { return "search_web" }
func (s *WebSearch) Kind() domain.CapabilityKind     { return domain.CapabilityBuiltin }
func (s *WebSearch) SettingsSchema() json.RawMessage { return nil }

func (s *WebSearch) Description() string {
	return "Search the internet for current information. Returns titles, URLs and snippets."
}

func (s *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "The search query"},
			"count": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of results (default: 5)"}
		},
		"required": ["query"]
	}`)
}

type searchArgs struct {
	Query string `json:"query"`
	Count int    `json:"count,omitempty"`
}

// Invoke runs the search, serving repeated queries from the cache.
func (s *WebSearch) Invoke(ctx context.Context, _ map[string]any, args json.RawMessage) (string, error) {
	var p searchArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return "", fmt.Errorf("%w: query must not be empty", domain.ErrInvalidInput)
	}
	if p.Count <= 0 {
		p.Count = s.defaultCount
	}
	if p.Count > maxSearchCount {
		p.Count = maxSearchCount
	}

	cacheKey := fmt.Sprintf("%s|%d", p.Query, p.Count)
	if cached, ok := s.getCached(cacheKey); ok {
		s.logger.Debug("web search cache hit", "query", p.Query)
		return cached, nil
	}

	results, err := s.backend.Search(ctx, p.Query, p.Count)
	if err != nil {
		return "", fmt.Errorf("%s search: %w", s.backend.Name(), err)
	}
	if len(results) > p.Count {
		results = results[:p.Count]
	}

	content := formatSearchResults(p.Query, results)
	s.putCache(cacheKey, content)
	s.logger.Debug("web search completed", "query", p.Query, "results", len(results))
	return content, nil
}

func formatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for %q.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return sb.String()
}

func (s *WebSearch) getCached(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return "", false
	}
	if s.now().After(e.expiresAt) {
		delete(s.cache, key)
		return "", false
	}
	return e.result, true
}

func (s *WebSearch) putCache(key, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cache[key] = cacheEntry{result: result, expiresAt: now.Add(s.cacheTTL)}

	// Lazy eviction once the cache grows.
	if len(s.cache) > maxCacheEntries {
		for k, v := range s.cache {
			if now.After(v.expiresAt) {
				delete(s.cache, k)
			}
		}
	}
}
