package pool

import (
	"sort"

	"github.com/nghyane/qwen-proxy/internal/util"
)

// TokenStatus is one token's row in the status projection.
type TokenStatus struct {
	ID               string `json:"id"`
	ExpiresAt        int64  `json:"expiresAt"`
	ExpiresAtDisplay string `json:"expiresAtDisplay,omitempty"`
	IsExpired        bool   `json:"isExpired"`
	UploadedAt       int64  `json:"uploadedAt"`
	UploadedAtDisplay string `json:"uploadedAtDisplay,omitempty"`
	UsageCount       int64  `json:"usageCount"`
	// RefreshFailed hints to the UI that an expired entry needs attention.
	RefreshFailed bool `json:"refreshFailed,omitempty"`
}

// StatusReport is the admin token-status payload.
type StatusReport struct {
	HasToken   bool          `json:"hasToken"`
	TokenCount int           `json:"tokenCount"`
	Tokens     []TokenStatus `json:"tokens"`
}

// Status projects the current pool contents for the admin surface.
// Timestamps are formatted in the configured local timezone.
func (p *Pool) Status() StatusReport {
	now := util.NowMillis()

	p.mu.RLock()
	statuses := make([]TokenStatus, 0, len(p.tokens))
	for _, t := range p.tokens {
		expired := t.IsExpired(now)
		statuses = append(statuses, TokenStatus{
			ID:                t.ID,
			ExpiresAt:         t.ExpiresAt,
			ExpiresAtDisplay:  util.FormatMillis(t.ExpiresAt, p.loc),
			IsExpired:         expired,
			UploadedAt:        t.UploadedAt,
			UploadedAtDisplay: util.FormatMillis(t.UploadedAt, p.loc),
			UsageCount:        t.UsageCount,
			RefreshFailed:     expired,
		})
	}
	p.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	return StatusReport{
		HasToken:   len(statuses) > 0,
		TokenCount: len(statuses),
		Tokens:     statuses,
	}
}
