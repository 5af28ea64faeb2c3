package mssql

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"sqlbulk/internal/bulk"
)

func metaOf(cols ...columnMeta) *tableMeta {
	m := &tableMeta{columns: map[string]columnMeta{}}
	for _, c := range cols {
		m.columns[c.Name] = c
		m.order = append(m.order, c.Name)
	}
	return m
}

func n64(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: true} }

func booksMeta() *tableMeta {
	return metaOf(
		columnMeta{Name: "ID", DataType: "int", Precision: n64(10), Scale: n64(0), IsIdentity: true},
		columnMeta{Name: "ISBN", DataType: "nvarchar", MaxLength: n64(20)},
		columnMeta{Name: "Price", DataType: "decimal", Precision: n64(10), Scale: n64(2), Nullable: true},
		columnMeta{Name: "Title", DataType: "nvarchar", MaxLength: n64(-1), Nullable: true},
	)
}

func booksUpsertSpec() bulk.Spec {
	return bulk.Spec{
		Kind:  bulk.KindUpsert,
		Table: bulk.Table{Schema: "dbo", Name: "Books"},
		Columns: []bulk.Column{
			{Name: "ID", Path: "ID", Type: bulk.TypeInt},
			{Name: "ISBN", Path: "ISBN", Type: bulk.TypeString},
			{Name: "Price", Path: "Price", Type: bulk.TypeDecimal},
			{Name: "Title", Path: "Title", Type: bulk.TypeString},
		},
		MatchKeys: []string{"ISBN"},
		Identity:  bulk.Identity{Column: "ID", Direction: bulk.DirInputOutput},
		Hint:      bulk.DefaultHint,
	}
}

func TestBuildCreateStaging_UsesTargetTypesAndRowID(t *testing.T) {
	t.Parallel()

	spec := booksUpsertSpec()
	// Unknown to the target: falls back to the semantic default.
	spec.Columns = append(spec.Columns, bulk.Column{Name: "Extra", Type: bulk.TypeBool})

	got := buildCreateStaging("#TmpTable_abc", spec.Columns, booksMeta(), true)
	want := "CREATE TABLE #TmpTable_abc([Extra] bit, [ID] int, [ISBN] nvarchar(20), [Price] decimal(10, 2), " +
		"[Title] nvarchar(max), [__sqlbulk_row_id] int);"
	if got != want {
		t.Fatalf("staging DDL mismatch\n got: %s\nwant: %s", got, want)
	}

	got = buildCreateStaging("#s", spec.Columns[1:2], booksMeta(), false)
	if want := "CREATE TABLE #s([ISBN] nvarchar(20));"; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestColumnMetaSQLType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		meta columnMeta
		want string
	}{
		{columnMeta{DataType: "varchar", MaxLength: n64(-1)}, "varchar(max)"},
		{columnMeta{DataType: "nchar", MaxLength: n64(10)}, "nchar(10)"},
		{columnMeta{DataType: "varbinary", MaxLength: n64(16)}, "varbinary(16)"},
		{columnMeta{DataType: "numeric", Precision: n64(18), Scale: n64(4)}, "numeric(18, 4)"},
		{columnMeta{DataType: "datetime2", DatetimePrecision: n64(3)}, "datetime2(3)"},
		{columnMeta{DataType: "int"}, "int"},
		{columnMeta{DataType: "xml"}, "nvarchar(max)"},
	}
	for _, tc := range cases {
		if got := tc.meta.sqlType(); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.meta.DataType, got, tc.want)
		}
	}
}

func TestBuildMerge_Upsert(t *testing.T) {
	t.Parallel()

	got, err := buildMerge(booksUpsertSpec(), "[dbo].[Books]", "#TmpTable_abc", "#TmpOutput_abc", booksMeta())
	if err != nil {
		t.Fatalf("buildMerge: %v", err)
	}
	want := "MERGE INTO [dbo].[Books] WITH (HOLDLOCK) AS [Target] USING #TmpTable_abc AS [Source] " +
		"ON ([Target].[ISBN] = [Source].[ISBN]) " +
		"WHEN MATCHED THEN UPDATE SET [Target].[ISBN] = [Source].[ISBN], [Target].[Price] = [Source].[Price], " +
		"[Target].[Title] = [Source].[Title] " +
		"WHEN NOT MATCHED BY TARGET THEN INSERT ([ISBN], [Price], [Title]) " +
		"VALUES ([Source].[ISBN], [Source].[Price], [Source].[Title]) " +
		"OUTPUT [Source].[__sqlbulk_row_id], INSERTED.[ID] INTO #TmpOutput_abc([__sqlbulk_row_id], [ID]); " +
		"DROP TABLE #TmpTable_abc;"
	if got != want {
		t.Fatalf("merge mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildMerge_UpsertDeleteWhenNotMatched(t *testing.T) {
	t.Parallel()

	spec := booksUpsertSpec()
	spec.Identity = bulk.Identity{}
	spec.ExcludedFromUpdate = []string{"Title"}
	spec.DeleteWhenNotMatched = true
	spec.MatchUpdate = []bulk.Condition{{Kind: bulk.PredMatchUpdate, Op: bulk.OpLt, Column: "Price", Value: int64(100), Type: bulk.TypeInt, SortOrder: 1}}
	spec.MatchDelete = []bulk.Condition{{Kind: bulk.PredMatchDelete, Op: bulk.OpEq, Column: "Title", SortOrder: 2}}
	spec.Hint = "HOLDLOCK, ROWLOCK"

	got, err := buildMerge(spec, "[dbo].[Books]", "#s", "", booksMeta())
	if err != nil {
		t.Fatalf("buildMerge: %v", err)
	}
	want := "MERGE INTO [dbo].[Books] WITH (HOLDLOCK, ROWLOCK) AS [Target] USING #s AS [Source] " +
		"ON ([Target].[ISBN] = [Source].[ISBN]) " +
		"WHEN MATCHED AND [Target].[Price] < @PriceCondition1 THEN UPDATE SET [Target].[ID] = [Source].[ID], " +
		"[Target].[ISBN] = [Source].[ISBN], [Target].[Price] = [Source].[Price] " +
		"WHEN NOT MATCHED BY TARGET THEN INSERT ([ID], [ISBN], [Price], [Title]) " +
		"VALUES ([Source].[ID], [Source].[ISBN], [Source].[Price], [Source].[Title]) " +
		"WHEN NOT MATCHED BY SOURCE AND [Target].[Title] IS NULL THEN DELETE; DROP TABLE #s;"
	if got != want {
		t.Fatalf("merge mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildMerge_DeleteAndUpdate(t *testing.T) {
	t.Parallel()

	del := booksUpsertSpec()
	del.Kind = bulk.KindDelete
	del.Identity = bulk.Identity{}
	del.MatchDelete = []bulk.Condition{{Kind: bulk.PredMatchDelete, Op: bulk.OpGt, Column: "Price", Value: int64(10), Type: bulk.TypeInt, SortOrder: 1}}

	got, err := buildMerge(del, "[dbo].[Books]", "#s", "", booksMeta())
	if err != nil {
		t.Fatalf("buildMerge: %v", err)
	}
	want := "MERGE INTO [dbo].[Books] WITH (HOLDLOCK) AS [Target] USING #s AS [Source] " +
		"ON ([Target].[ISBN] = [Source].[ISBN]) WHEN MATCHED AND [Target].[Price] > @PriceCondition1 THEN DELETE; " +
		"DROP TABLE #s;"
	if got != want {
		t.Fatalf("delete merge mismatch\n got: %s\nwant: %s", got, want)
	}

	upd := booksUpsertSpec()
	upd.Kind = bulk.KindUpdate
	upd.MatchKeys = []string{"ID"}
	upd.Columns = upd.Columns[:1]
	if _, err := buildMerge(upd, "[dbo].[Books]", "#s", "", booksMeta()); !bulk.IsConfiguration(err) {
		t.Fatalf("expected configuration error when nothing is updatable, got %v", err)
	}

	upd.MatchKeys = nil
	if _, err := buildMerge(upd, "[dbo].[Books]", "#s", "", booksMeta()); !errors.Is(err, bulk.ErrMatchKeyRequired) {
		t.Fatalf("expected ErrMatchKeyRequired, got %v", err)
	}
}

func TestBuildMerge_RejectsStatementBreakingHint(t *testing.T) {
	t.Parallel()

	for _, hint := range []string{
		"HOLDLOCK); DROP TABLE x; --",
		"HOLDLOCK) AS Target USING [dbo].[Other] AS Source ON 1 = 1 WHEN MATCHED THEN DELETE; --",
		"HOLDLOCK)",
		"INDEX(IX_a)) x",
	} {
		spec := booksUpsertSpec()
		spec.Hint = hint
		if _, err := buildMerge(spec, "[dbo].[Books]", "#s", "", booksMeta()); !bulk.IsConfiguration(err) {
			t.Fatalf("hint %q: expected configuration error, got %v", hint, err)
		}
	}

	spec := booksUpsertSpec()
	spec.Hint = "INDEX(IX_Books_ISBN), HOLDLOCK"
	got, err := buildMerge(spec, "[dbo].[Books]", "#s", "", booksMeta())
	if err != nil {
		t.Fatalf("buildMerge: %v", err)
	}
	if !strings.HasPrefix(got, "MERGE INTO [dbo].[Books] WITH (INDEX(IX_Books_ISBN), HOLDLOCK) AS [Target] ") {
		t.Fatalf("hint not rendered: %s", got)
	}
}

func TestBuildJoinClause_CollationAndNullableKeys(t *testing.T) {
	t.Parallel()

	meta := metaOf(
		columnMeta{Name: "Code", DataType: "varchar"},
		columnMeta{Name: "Region", DataType: "varchar", Nullable: true},
	)
	got := buildJoinClause([]string{"Code", "Region"}, meta, map[string]string{"Code": "Latin1_General_CS_AS"})
	want := "([Target].[Code] = [Source].[Code] COLLATE Latin1_General_CS_AS) AND " +
		"([Target].[Region] = [Source].[Region] OR ([Target].[Region] IS NULL AND [Source].[Region] IS NULL))"
	if got != want {
		t.Fatalf("join mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildUpdateSetAndInsertSet(t *testing.T) {
	t.Parallel()

	if got, want := buildUpdateSet([]string{"B", "Id", "A"}, "Id", nil), "SET [Target].[A] = [Source].[A], [Target].[B] = [Source].[B] "; got != want {
		t.Fatalf("update set: got %q, want %q", got, want)
	}
	if got := buildUpdateSet([]string{"Id", bulk.InternalRowID}, "Id", nil); got != "" {
		t.Fatalf("expected empty update set, got %q", got)
	}
	if got, want := buildInsertSet([]string{"Name", "Id", bulk.InternalRowID}, "Id"), "INSERT ([Name]) VALUES ([Source].[Name])"; got != want {
		t.Fatalf("insert set: got %q, want %q", got, want)
	}
	if got, want := buildInsertSet([]string{"Id"}, "Id"), "INSERT DEFAULT VALUES"; got != want {
		t.Fatalf("insert set: got %q, want %q", got, want)
	}
}

func TestBuildRemoveDuplicates(t *testing.T) {
	t.Parallel()

	got := buildRemoveDuplicates("#TmpTable_abc", []string{"ISBN", "ID"}, "ID", map[string]string{"ISBN": "Latin1_General_CI_AS"})
	want := "WITH Ranked AS (SELECT ROW_NUMBER() OVER (PARTITION BY [ISBN] COLLATE Latin1_General_CI_AS " +
		"ORDER BY [__sqlbulk_row_id] DESC) AS RN FROM #TmpTable_abc) DELETE FROM Ranked WHERE RN > 1;"
	if got != want {
		t.Fatalf("dedupe mismatch\n got: %s\nwant: %s", got, want)
	}
	if got := buildRemoveDuplicates("#s", []string{"ID"}, "ID", nil); got != "" {
		t.Fatalf("matching only on the identity must not dedupe, got %q", got)
	}
}

func TestBuildInsertStatements(t *testing.T) {
	t.Parallel()

	cols := booksUpsertSpec().ColumnNames()

	got := buildInsertFromStaging("[dbo].[Books]", "#s", "#o", cols, "ID")
	want := "INSERT INTO [dbo].[Books] ([ISBN], [Price], [Title]) OUTPUT INSERTED.[ID] INTO #o([ID]) " +
		"SELECT [ISBN], [Price], [Title] FROM #s ORDER BY [__sqlbulk_row_id]; DROP TABLE #s;"
	if got != want {
		t.Fatalf("insert from staging mismatch\n got: %s\nwant: %s", got, want)
	}

	got = buildSingleInsert("[dbo].[Books]", cols, "ID")
	want = "INSERT INTO [dbo].[Books] ([ISBN], [Price], [Title]) VALUES (@ISBN, @Price, @Title); " +
		"SET @ID_identity = SCOPE_IDENTITY();"
	if got != want {
		t.Fatalf("single insert mismatch\n got: %s\nwant: %s", got, want)
	}

	if got, want := buildOutputTableCreate("#o", bulk.KindInsert, "ID", booksMeta()), "CREATE TABLE #o([ID] int);"; got != want {
		t.Fatalf("output table: got %q, want %q", got, want)
	}
	if got, want := buildOutputTableCreate("#o", bulk.KindUpsert, "Missing", booksMeta()),
		"CREATE TABLE #o([__sqlbulk_row_id] int, [Missing] int);"; got != want {
		t.Fatalf("output table: got %q, want %q", got, want)
	}
}

func TestBuildFilteredStatements(t *testing.T) {
	t.Parallel()

	conds := []bulk.Condition{
		{Kind: bulk.PredOr, Op: bulk.OpEq, Column: "Town", Value: "x", Type: bulk.TypeString, SortOrder: 3},
		{Kind: bulk.PredWhere, Op: bulk.OpLt, Column: "Price", Value: int64(10), Type: bulk.TypeInt, SortOrder: 1},
		{Kind: bulk.PredAnd, Op: bulk.OpEq, Column: "Name", SortOrder: 2},
	}
	filter, err := compileFilter(conds, map[string]string{"Town": "Latin1_General_CI_AS"})
	if err != nil {
		t.Fatalf("compileFilter: %v", err)
	}
	want := " WHERE [Price] < @PriceCondition1 AND [Name] IS NULL OR [Town] = @TownCondition3 COLLATE Latin1_General_CI_AS"
	if filter != want {
		t.Fatalf("filter mismatch\n got: %s\nwant: %s", filter, want)
	}

	if got, want := buildDeleteWhere("[dbo].[Books]", filter), "DELETE FROM [dbo].[Books]"+filter+";"; got != want {
		t.Fatalf("delete where: got %q", got)
	}

	got, err := buildUpdateWhere("[dbo].[Books]", booksUpsertSpec().ColumnNames(), "ID", []string{"Title"}, " WHERE [ISBN] = @ISBNCondition1")
	if err != nil {
		t.Fatalf("buildUpdateWhere: %v", err)
	}
	if want := "UPDATE [dbo].[Books] SET [ISBN] = @ISBN, [Price] = @Price WHERE [ISBN] = @ISBNCondition1;"; got != want {
		t.Fatalf("update where mismatch\n got: %s\nwant: %s", got, want)
	}

	args, err := predicateArgs(conds, nil)
	if err != nil {
		t.Fatalf("predicateArgs: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("NULL comparisons take no parameter; got %d args", len(args))
	}
	if na := args[0].(sql.NamedArg); na.Name != "PriceCondition1" || na.Value != int64(10) {
		t.Fatalf("unexpected first arg %#v", na)
	}
}

func TestCompilePredicates_LessThanWithCollation(t *testing.T) {
	t.Parallel()

	conds := []bulk.Condition{
		{Kind: bulk.PredMatchUpdate, Op: bulk.OpLt, Column: "Title", Value: "M", Type: bulk.TypeString, SortOrder: 2},
		{Kind: bulk.PredMatchUpdate, Op: bulk.OpGte, Column: "Price", Value: int64(5), Type: bulk.TypeInt, SortOrder: 1},
	}
	coll := map[string]string{"Title": "Latin1_General_CS_AS"}

	got, err := compileJoinPredicates([]string{"ISBN"}, conds, coll)
	if err != nil {
		t.Fatalf("compileJoinPredicates: %v", err)
	}
	want := "AND [Target].[Price] >= @PriceCondition1 AND [Target].[Title] < @TitleCondition2 COLLATE Latin1_General_CS_AS "
	if got != want {
		t.Fatalf("join predicates mismatch\n got: %s\nwant: %s", got, want)
	}

	where := []bulk.Condition{{Kind: bulk.PredWhere, Op: bulk.OpLt, Column: "Title", Value: "M", Type: bulk.TypeString, SortOrder: 1}}
	filter, err := compileFilter(where, coll)
	if err != nil {
		t.Fatalf("compileFilter: %v", err)
	}
	if want := " WHERE [Title] < @TitleCondition1 COLLATE Latin1_General_CS_AS"; filter != want {
		t.Fatalf("filter mismatch\n got: %s\nwant: %s", filter, want)
	}
}

func TestCompilePredicates_Errors(t *testing.T) {
	t.Parallel()

	if _, err := compileJoinPredicates(nil, nil, nil); !errors.Is(err, bulk.ErrMatchKeyRequired) {
		t.Fatalf("expected ErrMatchKeyRequired, got %v", err)
	}
	if _, err := compileFilter([]bulk.Condition{{Kind: bulk.PredMatchUpdate, Column: "x", SortOrder: 1}}, nil); !bulk.IsConfiguration(err) {
		t.Fatalf("expected configuration error for a match condition in a filter, got %v", err)
	}
	if _, err := operatorToken(bulk.Condition{Op: bulk.OpLt, Column: "x"}); !bulk.IsConfiguration(err) {
		t.Fatalf("expected configuration error for NULL with <, got %v", err)
	}

	got, err := compileJoinPredicates([]string{"ISBN"}, []bulk.Condition{
		{Kind: bulk.PredMatchUpdate, Op: bulk.OpNotEq, Column: "Price", Target: "UnitPrice", Value: 1.5, Type: bulk.TypeFloat, SortOrder: 1},
		{Kind: bulk.PredMatchUpdate, Op: bulk.OpNotEq, Column: "Title", SortOrder: 2},
	}, nil)
	if err != nil {
		t.Fatalf("compileJoinPredicates: %v", err)
	}
	if want := "AND [Target].[UnitPrice] != @PriceCondition1 AND [Target].[Title] IS NOT NULL "; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIdentifiers(t *testing.T) {
	t.Parallel()

	if got := mssqlTableIdent(bulk.Table{Database: "Sales", Schema: "dbo", Name: "Or]ders"}); got != "[Sales].[dbo].[Or]]ders]" {
		t.Fatalf("table ident: %s", got)
	}
	if got := mssqlTableIdent(bulk.Table{Name: "T"}); got != "[dbo].[T]" {
		t.Fatalf("table ident default schema: %s", got)
	}
	if got := tempName("TmpTable", "0b4f-77"); got != "#TmpTable_0b4f77" {
		t.Fatalf("temp name: %s", got)
	}
	p := paramNames([]string{"a b", "a_b", "1st"})
	if p["a b"] != "a_b" || p["a_b"] != "a_b_2" || p["1st"] != "p_1st" {
		t.Fatalf("unexpected param names %v", p)
	}
}

func TestBuildIndexManagement(t *testing.T) {
	t.Parallel()

	got := buildIndexManagement(bulk.Table{Database: "Sales", Schema: "dbo", Name: "Books"}, true)
	for _, part := range []string{
		"N' ON ' + N'[Sales].' + QUOTENAME(s.name)",
		"N' DISABLE;'",
		"FROM [Sales].sys.indexes AS i",
		"i.type_desc = N'NONCLUSTERED'",
		"s.name = @p1 AND o.name = @p2",
		"EXEC(@sql);",
	} {
		if !strings.Contains(got, part) {
			t.Fatalf("index SQL missing %q:\n%s", part, got)
		}
	}
	if !strings.Contains(buildIndexManagement(bulk.Table{Schema: "dbo", Name: "Books"}, false), "N' REBUILD;'") {
		t.Fatalf("expected REBUILD action")
	}
}
