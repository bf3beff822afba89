package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/roboclaw/pkg/roboclaw/llm"
)

// Tier buckets a search query by how much output budget its answer deserves.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Default token budgets per tier. Overridable through Budgets.
const (
	lowBudget    = 400
	mediumBudget = 900
	highBudget   = 1600
)

const (
	maxCacheEntries = 100
	pruneFraction   = 10 // prune 1/10th of entries when full
)

// patternRules shortcut the cache entirely: a query matching one of these is
// tiered without a model call and without touching the stored entries.
var patternRules = []struct {
	re   *regexp.Regexp
	tier Tier
}{
	{regexp.MustCompile(`(?i)\b(what time|what day|what date|time is it)\b`), TierLow},
	{regexp.MustCompile(`(?i)\bweather\b`), TierLow},
	{regexp.MustCompile(`(?i)\b(score|game|match)\b.*\b(today|tonight|yesterday|last night)\b`), TierMedium},
	{regexp.MustCompile(`(?i)\bwho (won|plays|is playing)\b`), TierMedium},
	{regexp.MustCompile(`(?i)\b(explain|compare|difference between|pros and cons|in depth|history of)\b`), TierHigh},
	{regexp.MustCompile(`(?i)\bhow (do|does|to)\b.*\bwork\b`), TierHigh},
}

var (
	digitRun   = regexp.MustCompile(`\d+`)
	spaceRun   = regexp.MustCompile(`\s+`)
	weekdayRun = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	monthRun   = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	teamRun    = regexp.MustCompile(`\b(chargers|raiders|chiefs|broncos|rams|niners|49ers|seahawks|cowboys|eagles|giants|jets|bills|patriots|dolphins|steelers|ravens|bengals|lakers|clippers|warriors|celtics|knicks|nets|bulls|heat|suns|mavericks|dodgers|padres|yankees|mets|angels|astros|giants|cubs)\b`)
)

// Fingerprint normalizes a query so near-identical phrasings share a cache
// slot: lowercased, digits and volatile nouns replaced with placeholders,
// whitespace collapsed.
func Fingerprint(query string) string {
	s := strings.ToLower(strings.TrimSpace(query))
	s = digitRun.ReplaceAllString(s, "#")
	s = weekdayRun.ReplaceAllString(s, "<weekday>")
	s = monthRun.ReplaceAllString(s, "<month>")
	s = teamRun.ReplaceAllString(s, "<team>")
	s = spaceRun.ReplaceAllString(s, " ")
	return s
}

type cacheEntry struct {
	Tier     Tier      `json:"tier"`
	LastUsed time.Time `json:"last_used"`
	Hits     int       `json:"hits"`
}

type cacheFile struct {
	Entries map[string]*cacheEntry `json:"entries"`
}

// ComplexityCache remembers the tier assigned to each query fingerprint so a
// repeated question never pays for a second classification call. Entries are
// pruned least-recently-used and persisted to disk as JSON.
type ComplexityCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]*cacheEntry
	client  *llm.Client
	logger  *slog.Logger

	// Budgets maps each tier to a max-token allowance for the search call.
	Budgets map[Tier]int
}

// OpenComplexityCache loads the cache at path, starting empty when the file
// does not exist yet. A nil client disables model classification; unknown
// queries then land on the medium tier.
func OpenComplexityCache(path string, client *llm.Client, logger *slog.Logger) (*ComplexityCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ComplexityCache{
		path:    path,
		entries: make(map[string]*cacheEntry),
		client:  client,
		logger:  logger.With("component", "complexity_cache"),
		Budgets: map[Tier]int{
			TierLow:    lowBudget,
			TierMedium: mediumBudget,
			TierHigh:   highBudget,
		},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read complexity cache: %w", err)
	}
	var f cacheFile
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Warn("complexity cache unreadable, starting fresh", "path", path, "error", err)
		return c, nil
	}
	if f.Entries != nil {
		c.entries = f.Entries
	}
	c.logger.Debug("complexity cache loaded", "entries", len(c.entries))
	return c, nil
}

// Tier resolves the tier for query: pattern table first, then the cache,
// then one classification call whose result is cached and persisted.
func (c *ComplexityCache) Tier(ctx context.Context, query string) Tier {
	for _, rule := range patternRules {
		if rule.re.MatchString(query) {
			return rule.tier
		}
	}

	fp := Fingerprint(query)

	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		e.LastUsed = time.Now()
		e.Hits++
		tier := e.Tier
		c.mu.Unlock()
		return tier
	}
	c.mu.Unlock()

	tier := c.classify(ctx, query)

	c.mu.Lock()
	c.entries[fp] = &cacheEntry{Tier: tier, LastUsed: time.Now(), Hits: 1}
	if len(c.entries) > maxCacheEntries {
		c.pruneLocked()
	}
	if err := c.persistLocked(); err != nil {
		c.logger.Warn("complexity cache persist failed", "error", err)
	}
	c.mu.Unlock()
	return tier
}

// Budget is the max-token allowance for query's tier.
func (c *ComplexityCache) Budget(ctx context.Context, query string) int {
	tier := c.Tier(ctx, query)
	if b, ok := c.Budgets[tier]; ok {
		return b
	}
	return mediumBudget
}

// Len reports the number of stored fingerprints.
func (c *ComplexityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ComplexityCache) classify(ctx context.Context, query string) Tier {
	if c.client == nil {
		return TierMedium
	}
	out, err := c.client.Complete(ctx, llm.Request{
		System: "You rate how much detail a web search answer needs. Reply with exactly one word: low, medium, or high. " +
			"low = a single fact or number. medium = a short factual summary. high = explanation, comparison, or multi-part answer.",
		Messages:  []llm.Message{{Role: "user", Text: query}},
		MaxTokens: 5,
	})
	if err != nil {
		c.logger.Warn("complexity classification failed, assuming medium", "error", err)
		return TierMedium
	}
	switch Tier(strings.ToLower(strings.TrimSpace(out))) {
	case TierLow:
		return TierLow
	case TierHigh:
		return TierHigh
	default:
		return TierMedium
	}
}

// pruneLocked drops the least recently used tenth of the cache.
func (c *ComplexityCache) pruneLocked() {
	type aged struct {
		fp   string
		used time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for fp, e := range c.entries {
		all = append(all, aged{fp, e.LastUsed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].used.Before(all[j].used) })

	drop := len(all) / pruneFraction
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(c.entries, a.fp)
	}
	c.logger.Debug("complexity cache pruned", "dropped", drop, "remaining", len(c.entries))
}

func (c *ComplexityCache) persistLocked() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cacheFile{Entries: c.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
