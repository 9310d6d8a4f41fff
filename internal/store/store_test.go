package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertAndLoadRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	token := Token{
		ID:           "RRRRRRRR",
		AccessToken:  "A",
		RefreshToken: "RRRRRRRR_rest",
		ExpiresAt:    1_700_000_000_000,
		UploadedAt:   1_699_999_000_000,
		UsageCount:   3,
	}
	if err := st.UpsertToken(ctx, token); err != nil {
		t.Fatalf("UpsertToken failed: %v", err)
	}

	tokens, err := st.LoadAllTokens(ctx)
	if err != nil {
		t.Fatalf("LoadAllTokens failed: %v", err)
	}
	got, ok := tokens["RRRRRRRR"]
	if !ok {
		t.Fatal("expected token RRRRRRRR to be stored")
	}
	if got != token {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, token)
	}
}

func TestUpsertToken_NullableTimestamps(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Zero expiry and upload time persist as NULL and read back as zero.
	if err := st.UpsertToken(ctx, Token{ID: "abcdefgh", AccessToken: "A", RefreshToken: "abcdefgh_r"}); err != nil {
		t.Fatalf("UpsertToken failed: %v", err)
	}

	tokens, err := st.LoadAllTokens(ctx)
	if err != nil {
		t.Fatalf("LoadAllTokens failed: %v", err)
	}
	got := tokens["abcdefgh"]
	if got.ExpiresAt != 0 || got.UploadedAt != 0 {
		t.Errorf("expected zero timestamps, got expires=%d uploaded=%d", got.ExpiresAt, got.UploadedAt)
	}
	if got.IsExpired(1_700_000_000_000) {
		t.Error("token with unknown expiry must never count as expired")
	}
}

func TestDeleteToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.UpsertToken(ctx, Token{ID: "t1", AccessToken: "A", RefreshToken: "r1"})
	if err := st.DeleteToken(ctx, "t1"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	// Deleting an unknown id is not an error.
	if err := st.DeleteToken(ctx, "missing"); err != nil {
		t.Fatalf("DeleteToken of unknown id failed: %v", err)
	}

	tokens, _ := st.LoadAllTokens(ctx)
	if len(tokens) != 0 {
		t.Errorf("expected empty table, got %d tokens", len(tokens))
	}
}

func TestDeleteAllTokens_ReturnsCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.UpsertToken(ctx, Token{ID: "t1", AccessToken: "A", RefreshToken: "r1"})
	_ = st.UpsertToken(ctx, Token{ID: "t2", AccessToken: "A", RefreshToken: "r2"})

	deleted, err := st.DeleteAllTokens(ctx)
	if err != nil {
		t.Fatalf("DeleteAllTokens failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
}

func TestCacheInvalidationOnWrite(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.UpsertToken(ctx, Token{ID: "t1", AccessToken: "A", RefreshToken: "r1"})
	if _, err := st.LoadAllTokens(ctx); err != nil {
		t.Fatalf("LoadAllTokens failed: %v", err)
	}

	// A write must be visible through the cache immediately.
	_ = st.UpsertToken(ctx, Token{ID: "t2", AccessToken: "B", RefreshToken: "r2"})
	tokens, err := st.LoadAllTokens(ctx)
	if err != nil {
		t.Fatalf("LoadAllTokens failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 tokens after write, got %d", len(tokens))
	}
}

func TestIncrementUsage_Aggregates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, delta := range []int64{100, 50} {
		if err := st.IncrementUsage(ctx, "2025-01-01", "qwen3-coder-plus", delta); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}
	if err := st.IncrementUsage(ctx, "2025-01-01", "qwen3-coder-flash", 10); err != nil {
		t.Fatalf("IncrementUsage failed: %v", err)
	}

	stats, err := st.ReadUsage(ctx, "2025-01-01")
	if err != nil {
		t.Fatalf("ReadUsage failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 model rows, got %d", len(stats))
	}

	byModel := map[string]UsageStat{}
	for _, u := range stats {
		byModel[u.Model] = u
	}
	plus := byModel["qwen3-coder-plus"]
	if plus.TotalTokens != 150 || plus.CallCount != 2 {
		t.Errorf("unexpected aggregate for plus: %+v", plus)
	}
	flash := byModel["qwen3-coder-flash"]
	if flash.TotalTokens != 10 || flash.CallCount != 1 {
		t.Errorf("unexpected aggregate for flash: %+v", flash)
	}
}

func TestIncrementTokenCallCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.UpsertToken(ctx, Token{ID: "t1", AccessToken: "A", RefreshToken: "r1"})
	if err := st.IncrementTokenCallCount(ctx, "t1"); err != nil {
		t.Fatalf("IncrementTokenCallCount failed: %v", err)
	}
	if err := st.IncrementTokenCallCount(ctx, "t1"); err != nil {
		t.Fatalf("IncrementTokenCallCount failed: %v", err)
	}

	tokens, _ := st.LoadAllTokens(ctx)
	if tokens["t1"].UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", tokens["t1"].UsageCount)
	}
}

func TestListAvailableDates_NewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.IncrementUsage(ctx, "2025-01-01", "m", 1)
	_ = st.IncrementUsage(ctx, "2025-02-01", "m", 1)

	dates, err := st.ListAvailableDates(ctx)
	if err != nil {
		t.Fatalf("ListAvailableDates failed: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2025-02-01" || dates[1] != "2025-01-01" {
		t.Errorf("unexpected date order: %v", dates)
	}
}

func TestDeleteUsage(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.IncrementUsage(ctx, "2025-01-01", "m1", 1)
	_ = st.IncrementUsage(ctx, "2025-01-01", "m2", 1)

	deleted, err := st.DeleteUsage(ctx, "2025-01-01")
	if err != nil {
		t.Fatalf("DeleteUsage failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 rows deleted, got %d", deleted)
	}

	stats, _ := st.ReadUsage(ctx, "2025-01-01")
	if len(stats) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(stats))
	}
}

func TestVersionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	v, err := st.GetVersion(ctx)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty version before put, got %q", v)
	}

	if err := st.PutVersion(ctx, "0.1.2"); err != nil {
		t.Fatalf("PutVersion failed: %v", err)
	}
	if err := st.PutVersion(ctx, "0.1.3"); err != nil {
		t.Fatalf("PutVersion (update) failed: %v", err)
	}

	v, err = st.GetVersion(ctx)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v != "0.1.3" {
		t.Errorf("expected version 0.1.3, got %q", v)
	}
}

func TestReopen_MigrationIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	_ = st.UpsertToken(context.Background(), Token{ID: "t1", AccessToken: "A", RefreshToken: "r1"})
	_ = st.Close()

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer st2.Close()

	tokens, err := st2.LoadAllTokens(context.Background())
	if err != nil {
		t.Fatalf("LoadAllTokens after reopen failed: %v", err)
	}
	if len(tokens) != 1 {
		t.Errorf("expected 1 token after reopen, got %d", len(tokens))
	}
}
