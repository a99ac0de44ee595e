package query

import "testing"

func TestParseFilter_SimpleComparison(t *testing.T) {
	ast, err := ParseFilter(`name eq "smith"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ast.IsComparison || ast.Param != "name" || ast.Op != FilterEq || ast.Value != "smith" {
		t.Fatalf("got %+v", ast)
	}
}

func TestParseFilter_UnquotedValue(t *testing.T) {
	ast, err := ParseFilter("status eq active")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ast.Value != "active" {
		t.Fatalf("got value %q", ast.Value)
	}
}

func TestParseFilter_AndOr(t *testing.T) {
	ast, err := ParseFilter(`name co "smith" and birthdate lt 2000-01-01`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ast.IsComparison || ast.LogOp != LogicalAnd {
		t.Fatalf("expected top-level and, got %+v", ast)
	}
	if ast.Left.Param != "name" || ast.Right.Param != "birthdate" {
		t.Fatalf("got %+v", ast)
	}
}

func TestParseFilter_OrHasLowerPrecedenceThanAnd(t *testing.T) {
	ast, err := ParseFilter("a eq 1 and b eq 2 or c eq 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ast.LogOp != LogicalOr {
		t.Fatalf("expected top-level or, got %+v", ast)
	}
	if ast.Left.LogOp != LogicalAnd {
		t.Fatalf("expected left branch to be the and-group, got %+v", ast.Left)
	}
}

func TestParseFilter_Not(t *testing.T) {
	ast, err := ParseFilter(`not(status eq "cancelled")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ast.Negated == nil {
		t.Fatalf("expected negation node, got %+v", ast)
	}
	if ast.Negated.Param != "status" {
		t.Fatalf("got %+v", ast.Negated)
	}
}

func TestParseFilter_Grouping(t *testing.T) {
	ast, err := ParseFilter(`(a eq 1 or b eq 2) and c eq 3`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ast.LogOp != LogicalAnd {
		t.Fatalf("expected top-level and, got %+v", ast)
	}
	if ast.Left.LogOp != LogicalOr {
		t.Fatalf("expected left branch to be grouped or, got %+v", ast.Left)
	}
}

func TestParseFilter_QuotedEscapes(t *testing.T) {
	ast, err := ParseFilter(`note co "line1\nline2 \"quoted\""`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "line1\nline2 \"quoted\""
	if ast.Value != want {
		t.Fatalf("got %q, want %q", ast.Value, want)
	}
}

func TestParseFilter_UnknownOperator(t *testing.T) {
	if _, err := ParseFilter("name zz smith"); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestParseFilter_UnterminatedQuote(t *testing.T) {
	if _, err := ParseFilter(`name eq "smith`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestParseFilter_EmptyExpression(t *testing.T) {
	if _, err := ParseFilter(""); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestParseFilter_TrailingTokens(t *testing.T) {
	if _, err := ParseFilter(`name eq "smith" )`); err == nil {
		t.Fatal("expected error for unbalanced trailing paren")
	}
}

// TestParseFilter_RoundTrip checks that parsing the pretty-printed form of
// an AST reproduces an equivalent AST (generate-then-parse is a left
// identity up to String() rendering).
func TestParseFilter_RoundTrip(t *testing.T) {
	cases := []string{
		`name eq "smith"`,
		`(a eq 1 and b eq 2) or c ne 3`,
		`not(status eq "cancelled")`,
	}
	for _, src := range cases {
		ast, err := ParseFilter(src)
		if err != nil {
			t.Fatalf("parse(%q): %v", src, err)
		}
		printed := ast.String()
		reparsed, err := ParseFilter(printed)
		if err != nil {
			t.Fatalf("parse(print(parse(%q))) = %q: %v", src, printed, err)
		}
		if reparsed.String() != printed {
			t.Errorf("round trip mismatch: %q -> %q -> %q", src, printed, reparsed.String())
		}
	}
}
