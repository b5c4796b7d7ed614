package processor

import (
	"fmt"
	"time"

	"github.com/namastexlabs/automagik/internal/events"
)

// TokenMetrics holds cumulative token usage and cost for one run.
type TokenMetrics struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_created_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_tokens"`

	CostUSD float64 `json:"cost_usd"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// TotalTokens returns the sum of all token fields.
func (m TokenMetrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens + m.CacheCreationInputTokens + m.CacheReadInputTokens
}

// MergeUsage folds a usage report into the metrics. Counters only move up:
// the child's accounting can lag or repeat, so the larger value wins.
func (m *TokenMetrics) MergeUsage(u events.Usage, now time.Time) {
	m.InputTokens = max(m.InputTokens, u.InputTokens)
	m.OutputTokens = max(m.OutputTokens, u.OutputTokens)
	m.CacheCreationInputTokens = max(m.CacheCreationInputTokens, u.CacheCreationInputTokens)
	m.CacheReadInputTokens = max(m.CacheReadInputTokens, u.CacheReadInputTokens)
	m.LastUpdatedAt = now
}

// MergeCost records the larger of the stored and reported cost.
func (m *TokenMetrics) MergeCost(costUSD float64) {
	if costUSD > m.CostUSD {
		m.CostUSD = costUSD
	}
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (m TokenMetrics) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", m.CostUSD)
}
