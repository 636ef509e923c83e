package dsl

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ParseError carries the source position of a parse failure.
type ParseError struct {
	Message string
	Pos     lexer.Position
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (line %d, column %d)", e.Message, e.Pos.Line, e.Pos.Column)
}

// Parse lexes and parses src, returning the left-associative Expr AST that Eval
// walks.
func Parse(src string) (Expr, error) {
	raw, err := rawParser.ParseString("", src)
	if err != nil {
		if perr, ok := err.(participle.Error); ok {
			return nil, &ParseError{Message: perr.Message(), Pos: perr.Position()}
		}
		return nil, &ParseError{Message: err.Error()}
	}
	return buildOr(raw), nil
}

// ValidationResult is the shape returned by the admin /v1/admin/validate endpoint.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate attempts a full parse and reports success/failure. It does not require the
// expression to be typeable: the DSL is dynamically typed, so only parse errors are
// reported here. A Valid result implies Parse succeeds and a subsequent Validate call
// is still Valid, since Validate is a pure function of the source text.
func Validate(src string) ValidationResult {
	if _, err := Parse(src); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}
