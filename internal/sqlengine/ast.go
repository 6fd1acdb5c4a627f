package sqlengine

// Dialect names a SQL dialect understood by the external engine.
type Dialect string

const (
	DialectSpark Dialect = "spark"
	DialectANSI  Dialect = "ansi"
)

// StatementKind is the coarse classification used for validity gating. It is
// computed locally so gating never depends on the external engine.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindWith
	KindUse
	KindShow
	KindDescribe
	KindExplain
	KindCreate
	KindInsert
	KindOtherDDL
)

// TableRef is one table in the FROM clause.
type TableRef struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// ColumnRef is one referenced column; Table holds the resolved table name
// when the engine could resolve the alias.
type ColumnRef struct {
	Table string `json:"table,omitempty"`
	Name  string `json:"name"`
}

// Qualified returns "table.name" when the table is known.
func (c ColumnRef) Qualified() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// FuncCall is one function invocation.
type FuncCall struct {
	Name        string `json:"name"`
	Arg         string `json:"arg,omitempty"` // first argument, textual
	IsAggregate bool   `json:"is_aggregate,omitempty"`
}

// Join is one edge of the join graph.
type Join struct {
	Left      string `json:"left"`
	Right     string `json:"right"`
	Type      string `json:"type"` // INNER, LEFT, RIGHT, FULL, CROSS
	Condition string `json:"condition,omitempty"`
}

// Predicate is one WHERE conjunct (split on top-level AND).
type Predicate struct {
	Expr    string `json:"expr"`
	Column  string `json:"column,omitempty"`
	Op      string `json:"op,omitempty"`
	Literal string `json:"literal,omitempty"` // set for equality predicates
}

// StructFlags are the structural booleans of one query.
type StructFlags struct {
	CTE      bool `json:"cte"`
	Window   bool `json:"window"`
	Union    bool `json:"union"`
	Case     bool `json:"case"`
	Subquery bool `json:"subquery"`
	Having   bool `json:"having"`
	OrderBy  bool `json:"order_by"`
	Distinct bool `json:"distinct"`
	Limit    bool `json:"limit"`
}

// Statement is the typed decomposition the external engine returns for one
// query.
type Statement struct {
	Tables            []TableRef        `json:"tables"`
	AliasMap          map[string]string `json:"alias_map,omitempty"` // alias -> table
	Columns           []ColumnRef       `json:"columns"`
	Functions         []FuncCall        `json:"functions,omitempty"`
	Joins             []Join            `json:"joins,omitempty"`
	Where             []Predicate       `json:"where,omitempty"`
	GroupBy           []string          `json:"group_by,omitempty"`
	Having            []string          `json:"having,omitempty"`
	OrderBy           []string          `json:"order_by,omitempty"`
	CaseBlocks        []string          `json:"case_blocks,omitempty"`
	WindowExprs       []string          `json:"window_exprs,omitempty"`
	Flags             StructFlags       `json:"flags"`
	LimitValue        int               `json:"limit_value,omitempty"`
	SelectColumnCount int               `json:"select_column_count"`
	Canonical         string            `json:"canonical"` // pretty-printed canonical text
}
