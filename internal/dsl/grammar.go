package dsl

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// The raw grammar below transcribes the rule language's precedence table
// (or_expr > and_expr > compare > factor > primary) into participle struct tags:
// each precedence level is a struct holding a first operand plus a repeated slice of
// (operator, operand) pairs, which build() folds left-associatively into the Expr AST
// that the evaluator actually walks. Keeping the raw parse tree separate from the AST
// is what lets chained comparisons (a == b == c) fold into ((a==b)==c) without the
// grammar itself needing to special-case associativity.

type rawOr struct {
	Left  *rawAnd   `@@`
	Right []*rawAnd `( "||" @@ )*`
}

type rawAnd struct {
	Left  *rawCompare   `@@`
	Right []*rawCompare `( "&&" @@ )*`
}

type rawCompare struct {
	Left *rawFactor      `@@`
	Ops  []*rawCompareOp `@@*`
}

type rawCompareOp struct {
	Op    string     `@( "in" | "==" | "!=" | ">=" | "<=" | ">" | "<" )`
	Right *rawFactor `@@`
}

type rawFactor struct {
	Number  *string     `(  @Number`
	Str     *string     ` | @String`
	True    bool        ` | @"true"`
	False   bool        ` | @"false"`
	Array   *rawArray   ` | @@`
	Group   *rawOr      ` | "(" @@ ")"`
	Primary *rawPrimary ` | @@ )`
}

type rawPrimary struct {
	Ident string   `@Ident`
	Props []string `( "." @Ident )*`
}

type rawArray struct {
	Items []*rawOr `"[" ( @@ ( "," @@ )* )? "]"`
}

var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \t\n\r]+`},
	{Name: "Keyword", Pattern: `\b(true|false|in)\b`},
	{Name: "Number", Pattern: `\d+(\.\d+)?`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Op", Pattern: `==|!=|>=|<=|&&|\|\||[><]`},
	{Name: "Punct", Pattern: `[()\[\],.]`},
})

var rawParser = participle.MustBuild[rawOr](
	participle.Lexer(dslLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// build folds the raw parse tree into the Expr AST, left-associatively at every level.

func buildOr(r *rawOr) Expr {
	expr := buildAnd(r.Left)
	for _, rhs := range r.Right {
		expr = &BinaryExpr{Op: "||", Left: expr, Right: buildAnd(rhs)}
	}
	return expr
}

func buildAnd(r *rawAnd) Expr {
	expr := buildCompare(r.Left)
	for _, rhs := range r.Right {
		expr = &BinaryExpr{Op: "&&", Left: expr, Right: buildCompare(rhs)}
	}
	return expr
}

func buildCompare(r *rawCompare) Expr {
	expr := buildFactor(r.Left)
	for _, op := range r.Ops {
		expr = &BinaryExpr{Op: op.Op, Left: expr, Right: buildFactor(op.Right)}
	}
	return expr
}

func buildFactor(r *rawFactor) Expr {
	switch {
	case r.Number != nil:
		n, _ := strconv.ParseFloat(*r.Number, 64)
		return &LitExpr{Value: Number(n)}
	case r.Str != nil:
		return &LitExpr{Value: String(unquote(*r.Str))}
	case r.True:
		return &LitExpr{Value: Bool(true)}
	case r.False:
		return &LitExpr{Value: Bool(false)}
	case r.Array != nil:
		items := make([]Expr, len(r.Array.Items))
		for i, it := range r.Array.Items {
			items[i] = buildOr(it)
		}
		return &ArrayExpr{Items: items}
	case r.Group != nil:
		return buildOr(r.Group)
	case r.Primary != nil:
		var expr Expr = &IdentExpr{Name: r.Primary.Ident}
		for _, prop := range r.Primary.Props {
			expr = &PropExpr{Target: expr, Prop: prop}
		}
		return expr
	default:
		return &LitExpr{Value: Null()}
	}
}

// unquote reverses the grammar's `\`-escaped double-quoted string literal: strips the
// surrounding quotes and resolves \" and \\ (the only two escapes the grammar defines).
func unquote(s string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`)
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}
