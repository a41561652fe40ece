package ledger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func event(id string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:         id,
		Type:       domain.EventMention,
		ChannelID:  "C1",
		UserID:     "U1",
		ReceivedAt: time.Now(),
	}
}

func TestMigrations_AppliedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, testLogger())
	require.NoError(t, err)

	v, err := SchemaVersion(l.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, l.Close())

	// reopening must not re-apply anything
	l, err = Open(path, testLogger())
	require.NoError(t, err)
	defer l.Close()

	var n int
	require.NoError(t, l.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestRelease_AllowsRedelivery(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	first, err := l.Claim(ctx, event("Ev9"))
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, l.Release(ctx, "Ev9"))
	again, err := l.Claim(ctx, event("Ev9"))
	require.NoError(t, err)
	assert.True(t, again, "released event must be claimable again")
}

func TestRelease_KeepsFinishedEvents(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	_, err := l.Claim(ctx, event("Ev10"))
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, "Ev10", StatusDone, ""))
	require.NoError(t, l.Release(ctx, "Ev10"))

	again, err := l.Claim(ctx, event("Ev10"))
	require.NoError(t, err)
	assert.False(t, again)
}

func TestClaim_DetectsRetries(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	first, err := l.Claim(ctx, event("Ev1"))
	require.NoError(t, err)
	assert.True(t, first)

	again, err := l.Claim(ctx, event("Ev1"))
	require.NoError(t, err)
	assert.False(t, again)

	other, err := l.Claim(ctx, event("Ev2"))
	require.NoError(t, err)
	assert.True(t, other)
}

func TestFinish_And_RecentEvents(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	older := event("Ev1")
	older.ReceivedAt = time.Now().Add(-time.Minute)
	_, err := l.Claim(ctx, older)
	require.NoError(t, err)
	_, err = l.Claim(ctx, event("Ev2"))
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, "Ev1", StatusRejected, "prompt"))

	recs, err := l.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Ev2", recs[0].EventID)
	assert.Equal(t, StatusReceived, recs[0].Status)
	assert.Equal(t, StatusRejected, recs[1].Status)
	assert.Equal(t, "prompt", recs[1].Detail)
	assert.Equal(t, string(domain.EventMention), recs[1].Type)
}

func TestDeliveries(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.RecordDelivery(ctx, Delivery{ChannelID: "C1", Kind: KindArchived, Path: "/old.png", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, l.RecordDelivery(ctx, Delivery{EventID: "Ev1", ChannelID: "C1", Kind: KindGenerated, Path: "gen_image_1.png", CreatedAt: now}))
	require.NoError(t, l.RecordDelivery(ctx, Delivery{ChannelID: "C2", Kind: KindGenerated, Path: "other.png", CreatedAt: now}))

	got, err := l.Deliveries(ctx, "C1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gen_image_1.png", got[0].Path)
	assert.Equal(t, "Ev1", got[0].EventID)
}

func TestPrune(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	old := event("old")
	old.ReceivedAt = time.Now().Add(-72 * time.Hour)
	_, err := l.Claim(ctx, old)
	require.NoError(t, err)
	_, err = l.Claim(ctx, event("new"))
	require.NoError(t, err)

	n, err := l.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// a pruned id can be claimed again
	again, err := l.Claim(ctx, old)
	require.NoError(t, err)
	assert.True(t, again)
}
