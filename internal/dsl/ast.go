package dsl

// Expr is a node of the parsed, left-associative AST that Eval walks. It is built from
// the raw participle parse tree by buildOr() in grammar.go; the evaluator never sees the
// raw grammar types.
type Expr interface {
	isExpr()
}

// LitExpr is a NUMBER, STRING, true, or false literal.
type LitExpr struct {
	Value Value
}

// IdentExpr is a bare free identifier (events, profile, a trait key). true and false
// are parsed as literals by buildFactor(); null is not a keyword, so it parses as an
// IdentExpr and evaluates to null unless the Env binds that name.
type IdentExpr struct {
	Name string
}

// PropExpr is `Target.Prop`, chainable (events.app_open.count_7d is two nested PropExprs).
type PropExpr struct {
	Target Expr
	Prop   string
}

// ArrayExpr is a literal array `[a, b, c]`, used as the right-hand operand of "in".
// Eval also returns an Array value when an array literal appears anywhere else,
// including as a whole expression; nothing rejects an array-valued result.
type ArrayExpr struct {
	Items []Expr
}

// BinaryExpr covers every binary operator in the grammar: || && in == != > < >= <=.
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

func (*LitExpr) isExpr()    {}
func (*IdentExpr) isExpr()  {}
func (*PropExpr) isExpr()   {}
func (*ArrayExpr) isExpr()  {}
func (*BinaryExpr) isExpr() {}
