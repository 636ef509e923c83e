package dsl

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// Token is one lexical unit of a DSL source string, exposed so callers outside this
// package (the decision engine's segment()/trait() rewrite) can scan source text
// without re-implementing the grammar's lexical rules and without resorting to
// regexp, which would collide with identifiers that merely contain "segment" or
// "trait" as a substring.
type Token struct {
	Type  string
	Value string
	Pos   lexer.Position
}

// Tokenize lexes src into a flat Token slice using the same lexer the parser uses, so
// token boundaries always agree with what Parse would see.
func Tokenize(src string) ([]Token, error) {
	lex, err := dslLexer.Lex("", strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	symbolsByRune := dslLexer.Symbols()
	names := make(map[lexer.TokenType]string, len(symbolsByRune))
	for name, tt := range symbolsByRune {
		names[tt] = name
	}

	var out []Token
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, err
		}
		if tok.EOF() {
			break
		}
		out = append(out, Token{Type: names[tok.Type], Value: tok.Value, Pos: tok.Pos})
	}
	return out, nil
}
