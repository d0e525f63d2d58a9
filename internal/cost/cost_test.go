package cost

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEstimateTokens_FloorsAtOne(t *testing.T) {
	assert.Equal(t, int64(1), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("hi"))
	assert.Equal(t, int64(25), EstimateTokens(string(make([]byte, 100))))
}

func TestRecordCost_UsesKnownPricing(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	in := int64(1000)
	out := int64(500)
	rec, err := tr.RecordCost("task-1", "gemini", &in, &out, "", "")
	require.NoError(t, err)

	expected := float64(in)*DefaultPricing["gemini"].CostPerInput + float64(out)*DefaultPricing["gemini"].CostPerOutput
	assert.InDelta(t, expected, rec.CostUSD, 1e-12)
}

func TestRecordCost_EstimatesMissingTokenCounts(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	rec, err := tr.RecordCost("task-2", "ollama_local", nil, nil, "a prompt of sixteen chars", "a short reply")
	require.NoError(t, err)
	assert.Equal(t, EstimateTokens("a prompt of sixteen chars"), rec.TokensIn)
	assert.Equal(t, EstimateTokens("a short reply"), rec.TokensOut)
}

func TestRecordCost_UnknownServiceDefaultsToZeroCost(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	in, out := int64(100), int64(100)
	rec, err := tr.RecordCost("task-3", "mystery_service", &in, &out, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.CostUSD)
}

func TestCheckBudget_NoBudgetReturnsNil(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	alert, err := tr.CheckBudget("monthly", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestCheckBudget_AlertsPastThreshold(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	require.NoError(t, tr.SetBudget("monthly", 1.0, 0.5))

	in, out := int64(1_000_000_000), int64(0)
	_, err = tr.RecordCost("task-4", "gemini", &in, &out, "", "")
	require.NoError(t, err)

	alert, err := tr.CheckBudget("monthly", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.True(t, alert.Exceeded)
}

func TestSetBudget_DeactivatesPriorBudgetForPeriod(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	require.NoError(t, tr.SetBudget("monthly", 10, 0.8))
	require.NoError(t, tr.SetBudget("monthly", 20, 0.9))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM budgets WHERE period = ? AND active = 1`, "monthly").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTotalCost_FiltersByService(t *testing.T) {
	db := openTestStore(t)
	tr, err := New(db)
	require.NoError(t, err)

	in, out := int64(1000), int64(1000)
	_, err = tr.RecordCost("t1", "gemini", &in, &out, "", "")
	require.NoError(t, err)
	_, err = tr.RecordCost("t2", "openrouter", &in, &out, "", "")
	require.NoError(t, err)

	total, err := tr.TotalCost(time.Time{}, time.Time{}, "gemini")
	require.NoError(t, err)
	assert.Greater(t, total, 0.0)

	all, err := tr.TotalCost(time.Time{}, time.Time{}, "")
	require.NoError(t, err)
	assert.Greater(t, all, total)
}
