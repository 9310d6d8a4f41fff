package store

// Token is a durable upstream credential. ID is the first 8 characters of
// the refresh token and acts as the stable handle across refreshes.
type Token struct {
	ID           string `json:"id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is unix epoch milliseconds. Zero means the expiry is
	// unknown (legacy rows stored NULL).
	ExpiresAt int64 `json:"expires_at"`
	// UploadedAt is set at first insert and preserved across refreshes.
	UploadedAt int64 `json:"uploaded_at"`
	// UsageCount counts successful forwarded requests served by this token.
	UsageCount int64 `json:"usage_count"`
}

// IsExpired reports whether the token is past its expiry at the given
// instant (epoch milliseconds). Tokens with unknown expiry never count as
// expired.
func (t Token) IsExpired(nowMillis int64) bool {
	return t.ExpiresAt != 0 && nowMillis > t.ExpiresAt
}

// UsageStat is one per-day, per-model usage row.
type UsageStat struct {
	Date        string `json:"date"`
	Model       string `json:"model"`
	TotalTokens int64  `json:"total_tokens"`
	CallCount   int64  `json:"call_count"`
}
