package notebook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/sqlengine"
)

func TestSplitCells(t *testing.T) {
	source := "print('a')\n# COMMAND ----------\nprint('b')\n# COMMAND ----------\n\n"
	cells := SplitCells(source, "PYTHON")
	require.Len(t, cells, 2)
	assert.Equal(t, LangPython, cells[0].Language)
	assert.Equal(t, "print('a')", cells[0].Source)
	assert.Equal(t, 1, cells[1].Index)

	sqlSource := "SELECT 1;\n-- COMMAND ----------\nSELECT 2;"
	sqlCells := SplitCells(sqlSource, "sql")
	require.Len(t, sqlCells, 2)
	assert.Equal(t, LangSQL, sqlCells[0].Language)
}

func TestExtractCandidatesRejectsMagic(t *testing.T) {
	for _, directive := range []string{"%md", "%md-sandbox", "%sh", "%pip", "%fs"} {
		cell := Cell{Language: LangPython, Source: "# MAGIC " + directive + "\n# MAGIC some text"}
		assert.Empty(t, ExtractCandidates(cell), "directive: %s", directive)
	}
}

func TestExtractCandidatesFullyCommented(t *testing.T) {
	cell := Cell{Language: LangPython, Source: "# spark.sql(\"SELECT 1\")\n# more notes"}
	assert.Empty(t, ExtractCandidates(cell))

	sqlCell := Cell{Language: LangSQL, Source: "-- SELECT a FROM t;\n-- old query"}
	assert.Empty(t, ExtractCandidates(sqlCell))
}

func TestExtractCandidatesMagicSQLInPython(t *testing.T) {
	cell := Cell{Language: LangPython, Source: strings.Join([]string{
		"# MAGIC %sql",
		"# MAGIC SELECT a",
		"# MAGIC FROM t",
	}, "\n")}
	cands := ExtractCandidates(cell)
	require.Len(t, cands, 1)
	assert.Equal(t, "SELECT a\nFROM t", cands[0].SQL)
}

func TestExtractCandidatesMagicPythonInSQL(t *testing.T) {
	cell := Cell{Language: LangSQL, Source: strings.Join([]string{
		"-- MAGIC %python",
		`-- MAGIC spark.sql("SELECT x FROM y")`,
	}, "\n")}
	cands := ExtractCandidates(cell)
	require.Len(t, cands, 1)
	assert.Equal(t, "SELECT x FROM y", cands[0].SQL)
}

func TestSplitSQLStatementsWithHints(t *testing.T) {
	body := strings.Join([]string{
		"-- daily revenue by org",
		"SELECT org, SUM(amount) FROM sales GROUP BY org;",
		"SELECT count(*) FROM sales WHERE note = 'a;b';",
	}, "\n")
	cands := splitSQLStatements(body)
	require.Len(t, cands, 2)
	assert.Equal(t, "daily revenue by org", cands[0].Hint)
	assert.Empty(t, cands[1].Hint)
	// The semicolon inside the string literal must not split.
	assert.Contains(t, cands[1].SQL, "'a;b'")
}

func TestExtractFromPythonLiterals(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "plain literal",
			source: `df = spark.sql("SELECT a FROM t")`,
			want:   []string{"SELECT a FROM t"},
		},
		{
			name:   "triple quoted",
			source: "df = spark.sql(\"\"\"SELECT a\nFROM t\"\"\")",
			want:   []string{"SELECT a\nFROM t"},
		},
		{
			name:   "f-string substitution",
			source: `df = spark.sql(f"SELECT a FROM t WHERE d = '{run_date}'")`,
			want:   []string{"SELECT a FROM t WHERE d = '{...}'"},
		},
		{
			name:   "implicit concatenation",
			source: `df = spark.sql("SELECT a " "FROM t")`,
			want:   []string{"SELECT a FROM t"},
		},
		{
			name:   "variable one hop",
			source: "q = \"SELECT b FROM u\"\ndf = spark.sql(q)",
			want:   []string{"SELECT b FROM u"},
		},
		{
			name:   "two calls",
			source: "spark.sql(\"SELECT 1\")\nsqlContext.sql(\"SELECT 2\")",
			want:   []string{"SELECT 1", "SELECT 2"},
		},
		{
			name:   "unresolvable identifier",
			source: `df = spark.sql(build_query())`,
			want:   nil,
		},
		{
			// Unicode-prefixed literals only resolve through the fallback
			// regex; backtick-quoted identifiers must survive it intact.
			name:   "fallback keeps backtick identifiers",
			source: "df = spark.sql(u\"SELECT `region` FROM dim\")",
			want:   []string{"SELECT `region` FROM dim"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cands := extractFromPython(tc.source)
			var got []string
			for _, c := range cands {
				got = append(got, c.SQL)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestScrubFStringSites(t *testing.T) {
	assert.Equal(t, "WHERE d = '{...}'", scrubFStringSites("WHERE d = '{run_date}'"))
	// Escaped braces survive as literal braces.
	assert.Equal(t, "SELECT '{literal}'", scrubFStringSites("SELECT '{{literal}}'"))
}

func TestStripComments(t *testing.T) {
	sql := "SELECT a -- trailing note\nFROM t /* block\ncomment */ WHERE x = '--not a comment'"
	got := StripComments(sql)
	assert.NotContains(t, got, "trailing note")
	assert.NotContains(t, got, "block")
	assert.Contains(t, got, "'--not a comment'")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "WHERE email = '<email>'", Redact("WHERE email = 'bob@example.com'"))
	assert.Equal(t, "WHERE phone = '<number>'", Redact("WHERE phone = '415-555-0199'"))
	// Short digit runs stay.
	assert.Equal(t, "WHERE o = 123", Redact("WHERE o = 123"))
	assert.Equal(t, "WHERE key = '<token>'", Redact("WHERE key = 'c2VjcmV0LXRva2VuLWNvbnRlbnQtMTIz'"))
}

func TestHashSQLProperty(t *testing.T) {
	cleaned := "  SELECT a FROM t WHERE o = 123  "
	want := sha256.Sum256([]byte(strings.TrimSpace(cleaned)))
	got := HashSQL(cleaned)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
	assert.Len(t, got, 64)
	// Leading/trailing whitespace never changes the hash.
	assert.Equal(t, HashSQL("SELECT a FROM t WHERE o = 123"), got)
}

func TestResolveOrg(t *testing.T) {
	assert.Equal(t, "read_api_12", defaultOrg("-- setup\nUSE read_api_12;\nSELECT 1"))
	assert.Equal(t, "write_db_3", resolveOrg("INSERT INTO write_db_3.t SELECT 1", "read_api_12"))
	assert.Equal(t, "read_api_12", resolveOrg("SELECT a FROM t", "read_api_12"))
	assert.Empty(t, resolveOrg("SELECT a FROM t", ""))
}

func TestParserParsePythonNotebook(t *testing.T) {
	engine := sqlengine.NewStaticEngine()
	p := NewParser(engine, sqlengine.DialectSpark, nil)

	source := strings.Join([]string{
		`df = spark.sql("SELECT a FROM t WHERE o=123")`,
		"# COMMAND ----------",
		`spark.sql("DROP TABLE scratch")`,
	}, "\n")

	rows := p.Parse(context.Background(), "run-1", Notebook{
		Path:     "/analytics/revenue",
		Language: "PYTHON",
		Source:   source,
	})
	require.Len(t, rows, 2)

	valid := rows[0]
	assert.True(t, valid.IsValid)
	assert.Equal(t, "SELECT a FROM t WHERE o = 123", valid.CleanedSQL)
	assert.Equal(t, HashSQL(valid.CleanedSQL), valid.SQLHash)
	assert.Equal(t, "revenue", valid.NotebookName)
	assert.Equal(t, "run-1", valid.RunID)

	invalid := rows[1]
	assert.False(t, invalid.IsValid)
	assert.Empty(t, invalid.SQLHash)
}

func TestParserParseSQLNotebook(t *testing.T) {
	engine := sqlengine.NewStaticEngine()
	p := NewParser(engine, sqlengine.DialectSpark, nil)

	source := strings.Join([]string{
		"USE read_api_7;",
		"-- active users",
		"SELECT a FROM t WHERE active = 1;",
	}, "\n")

	rows := p.Parse(context.Background(), "run-2", Notebook{
		Path:     "/reports/users",
		Language: "SQL",
		Source:   source,
	})
	require.Len(t, rows, 2)

	// USE validates as pass-through and carries the org default.
	assert.True(t, rows[0].IsValid)
	assert.Equal(t, "read_api_7", rows[0].OrgID)

	assert.True(t, rows[1].IsValid)
	assert.Equal(t, "active users", rows[1].Hint)
	assert.Equal(t, "read_api_7", rows[1].OrgID)
}

func TestParserEmbeddedSelect(t *testing.T) {
	engine := sqlengine.NewStaticEngine()
	p := NewParser(engine, sqlengine.DialectSpark, nil)

	rows := p.Parse(context.Background(), "run-3", Notebook{
		Path:     "/etl/build",
		Language: "SQL",
		Source:   "CREATE TABLE agg AS SELECT a FROM t WHERE o = 1;",
	})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsValid)
	assert.Equal(t, "SELECT a FROM t WHERE o = 1", rows[0].CleanedSQL)
}
