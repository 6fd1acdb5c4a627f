package sqlcorpus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/sqlengine"
	"atlas/internal/store"
)

func testEngine() *Engine {
	return NewEngine(sqlengine.NewStaticEngine(), sqlengine.DialectSpark, nil)
}

func validRow(sql string) store.ExtractedSQL {
	return store.ExtractedSQL{CleanedSQL: sql, IsValid: true}
}

func TestDedupMergesExactAndCanonical(t *testing.T) {
	e := testEngine()
	rows := []store.ExtractedSQL{
		validRow("SELECT a FROM t WHERE o=123"),
		validRow("SELECT a FROM t WHERE o=123"),
		validRow("select  a from t where o = 123"),
		validRow("USE read_api_7"), // not analyzable, dropped
	}
	unique, err := e.Dedup(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, unique, 1)
	assert.Equal(t, 3, unique[0].Frequency)
	assert.Equal(t, "SELECT a FROM t WHERE o = 123", unique[0].Canonical)
}

func TestDedupKeepsFirstHint(t *testing.T) {
	e := testEngine()
	rows := []store.ExtractedSQL{
		{CleanedSQL: "SELECT a FROM t WHERE o=1", IsValid: true},
		{CleanedSQL: "SELECT a FROM t WHERE o = 1", IsValid: true, Hint: "open rows"},
	}
	unique, err := e.Dedup(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, unique, 1)
	// The canonical merge backfills a hint the first occurrence lacked.
	assert.Equal(t, "open rows", unique[0].Hint)
	assert.Equal(t, 2, unique[0].Frequency)
}

func TestDedupUniqueIdempotent(t *testing.T) {
	e := testEngine()
	rows := []store.ExtractedSQL{
		validRow("SELECT a FROM t WHERE o=123"),
		validRow("SELECT a FROM t WHERE o = 123"),
		validRow("SELECT b FROM u"),
	}
	once, err := e.Dedup(context.Background(), rows)
	require.NoError(t, err)
	twice, err := e.DedupUnique(context.Background(), once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestExtractFingerprint(t *testing.T) {
	e := testEngine()
	queries := []UniqueQuery{{
		SQL:       "SELECT a FROM t WHERE o = 123",
		Canonical: "SELECT a FROM t WHERE o = 123",
		Frequency: 3,
	}}
	fps, failures := e.Extract(context.Background(), queries)
	require.Empty(t, failures)
	require.Len(t, fps, 1)

	fp := fps[0]
	assert.Equal(t, 3, fp.Frequency)
	assert.Equal(t, []string{"t"}, fp.Tables)
	assert.Contains(t, fp.Columns, "t.a")
	assert.Contains(t, fp.Columns, "t.o")
	require.Len(t, fp.Where, 1)
	assert.Equal(t, "o = 123", fp.Where[0].Expr)
	assert.Equal(t, "123", fp.Where[0].Literal)
}

func TestExtractRecordsFailures(t *testing.T) {
	e := testEngine()
	queries := []UniqueQuery{
		{SQL: "SELECT a FROM t", Frequency: 1},
		{SQL: "SELECT a FROM t1 JOIN t2 ON t1.x = t2.y", Frequency: 1},
	}
	fps, failures := e.Extract(context.Background(), queries)
	assert.Len(t, fps, 1)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].SQL, "JOIN")
	assert.NotEmpty(t, failures[0].Message)
}

type countingEngine struct {
	*sqlengine.StaticEngine
	mu     sync.Mutex
	parses int
}

func (c *countingEngine) Parse(ctx context.Context, sql string, dialect sqlengine.Dialect) (*sqlengine.Statement, error) {
	c.mu.Lock()
	c.parses++
	c.mu.Unlock()
	return c.StaticEngine.Parse(ctx, sql, dialect)
}

func TestExtractStopsDispatchOnCancel(t *testing.T) {
	inner := &countingEngine{StaticEngine: sqlengine.NewStaticEngine()}
	e := NewEngine(inner, sqlengine.DialectSpark, nil)

	queries := make([]UniqueQuery, 64)
	for i := range queries {
		queries[i] = UniqueQuery{SQL: "SELECT a FROM t", Frequency: 1}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fps, failures := e.Extract(ctx, queries)
	assert.Empty(t, fps)
	assert.Empty(t, failures)
	assert.Zero(t, inner.parses)
}

func TestCountTotalWeightIsFrequencySum(t *testing.T) {
	fps := []Fingerprint{
		{Frequency: 6, Tables: []string{"orders"}, Where: []sqlengine.Predicate{{Expr: "status = 'A'"}}},
		{Frequency: 3, Tables: []string{"orders"}},
		{Frequency: 1, Tables: []string{"users"}},
	}
	c := Count(fps)
	assert.Equal(t, 10, c.TotalWeight)
	assert.Equal(t, 9, c.Tables["orders"])
	assert.Equal(t, 1, c.Tables["users"])
	assert.Equal(t, 6, c.WherePreds["status = 'A'"])

	// Counting is order-independent.
	reversed := []Fingerprint{fps[2], fps[1], fps[0]}
	assert.Equal(t, c, Count(reversed))
}

func TestCountLiteralsAndAliases(t *testing.T) {
	fps := []Fingerprint{{
		Frequency: 2,
		Tables:    []string{"orders"},
		AliasMap:  map[string]string{"o": "orders"},
		Where: []sqlengine.Predicate{
			{Expr: "orders.status = 'open'", Column: "orders.status", Op: "=", Literal: "'open'"},
		},
		Functions: []sqlengine.FuncCall{{Name: "COUNT", Arg: "b", IsAggregate: true}},
		Flags:     sqlengine.StructFlags{Limit: true},
	}}
	c := Count(fps)
	assert.Equal(t, 2, c.LiteralVals["orders.status"]["'open'"])
	assert.Equal(t, 2, c.AliasConv["orders"]["o"])
	assert.Equal(t, 2, c.AggColumns["COUNT(b)"])
	assert.Equal(t, 2, c.Flags["limit"])
}

func TestFreqTopTieBreak(t *testing.T) {
	f := Freq{"b": 3, "a": 3, "c": 5}
	assert.Equal(t, []string{"c", "a", "b"}, f.Top(3))
	assert.Equal(t, []string{"c"}, f.Top(1))
}

func TestJoinPairKeyUnordered(t *testing.T) {
	assert.Equal(t, JoinPairKey("a", "b"), JoinPairKey("b", "a"))
	assert.Equal(t, "a|b", JoinPairKey("b", "a"))
}

func TestNormalizePredicate(t *testing.T) {
	assert.Equal(t, "status = 'Open'", NormalizePredicate("STATUS  =  'Open'"))
	assert.Equal(t, "amount > 100", NormalizePredicate("AMOUNT > 100"))
}

func TestCanonicalFunctionName(t *testing.T) {
	assert.Equal(t, "COALESCE", CanonicalFunctionName("nvl"))
	assert.Equal(t, "COALESCE", CanonicalFunctionName("IFNULL"))
	assert.Equal(t, "SUBSTRING", CanonicalFunctionName("substr"))
	assert.Equal(t, "CURRENT_TIMESTAMP", CanonicalFunctionName("NOW"))
	assert.Equal(t, "COUNT", CanonicalFunctionName("count"))
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "a|b", Signature([]string{"b", "a", "b"}))
	assert.Equal(t, NoTableSignature, Signature(nil))
}

func TestBuildClusters(t *testing.T) {
	fps := []Fingerprint{
		{Frequency: 1, Tables: []string{"orders"}, RawSQL: "SELECT a, b, c FROM orders WHERE x = 1"},
		{Frequency: 5, Tables: []string{"orders"}, RawSQL: "SELECT a FROM orders"},
		{Frequency: 2, Tables: []string{"users"}, RawSQL: "SELECT id FROM users"},
	}
	clusters := BuildClusters(fps)
	require.Len(t, clusters, 2)

	// Heaviest cluster first.
	assert.Equal(t, "orders", clusters[0].Signature)
	assert.Equal(t, 6, clusters[0].Weight)
	assert.Equal(t, []int{0, 1}, clusters[0].Members)
	assert.Equal(t, "SELECT a FROM orders", clusters[0].Representative)
	assert.Equal(t, "SELECT a, b, c FROM orders WHERE x = 1", clusters[0].Complex)

	assert.Equal(t, "users", clusters[1].Signature)
	assert.Equal(t, 2, clusters[1].Weight)
}

func TestMultiTableClusters(t *testing.T) {
	clusters := []Cluster{
		{Signature: "a", Tables: []string{"a"}},
		{Signature: "a|b", Tables: []string{"a", "b"}},
	}
	multi := MultiTableClusters(clusters)
	require.Len(t, multi, 1)
	assert.Equal(t, "a|b", multi[0].Signature)
}

func TestClassifyFilters(t *testing.T) {
	fps := []Fingerprint{
		{Frequency: 10, Tables: []string{"orders"}, Where: []sqlengine.Predicate{{Expr: "status = 'A'"}}},
		{Frequency: 6, Tables: []string{"orders"}, Where: []sqlengine.Predicate{{Expr: "region = 'EU'"}}},
		{Frequency: 2, Tables: []string{"orders"}, Where: []sqlengine.Predicate{{Expr: "channel = 'web'"}}},
		{Frequency: 1, Tables: []string{"orders"}, Where: []sqlengine.Predicate{{Expr: "flag = 1"}}},
		{Frequency: 1, Tables: []string{"users"}},
	}
	counters := Count(fps)
	require.Equal(t, 20, counters.TotalWeight)
	require.Equal(t, 19, counters.Tables["orders"])

	filters := ClassifyFilters(fps, counters, DefaultThresholds())
	require.Len(t, filters, 4)

	byCond := make(map[string]ClassifiedFilter)
	for _, f := range filters {
		byCond[f.Condition] = f
	}
	// 10/20 of the corpus carries it.
	assert.Equal(t, TierMandatory, byCond["status = 'A'"].Tier)
	// 6/19 of the orders weight.
	assert.Equal(t, TierTableDefault, byCond["region = 'EU'"].Tier)
	// 2/19.
	assert.Equal(t, TierCommon, byCond["channel = 'web'"].Tier)
	// 1/19.
	assert.Equal(t, TierSituational, byCond["flag = 1"].Tier)

	assert.InDelta(t, 0.5, byCond["status = 'A'"].GlobalPct, 1e-9)
	assert.InDelta(t, float64(6)/19, byCond["region = 'EU'"].TablePcts["orders"], 1e-9)

	assert.Empty(t, ClassifyFilters(nil, NewCounters(), DefaultThresholds()))
}

func TestFiltersByTier(t *testing.T) {
	filters := []ClassifiedFilter{
		{Condition: "a = 1", Tier: TierMandatory},
		{Condition: "b = 2", Tier: TierCommon},
		{Condition: "c = 3", Tier: TierCommon},
	}
	byTier := FiltersByTier(filters)
	assert.Len(t, byTier[TierMandatory], 1)
	assert.Len(t, byTier[TierCommon], 2)
}
