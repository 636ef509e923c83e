package decision

import (
	"fmt"

	"github.com/cajpany/tinycdp/internal/dsl"
)

// rewrite replaces every segment("k") call with the literal true/false from
// segments (default false if missing), and every trait("k") call with the DSL
// literal form of the trait's JSON value (null if missing), recording a
// human-readable reason for each substitution.
//
// Matching is done over dsl.Tokenize's output — an Ident token whose value is
// "segment" or "trait" immediately followed by "(" STRING ")" — never by regexp,
// which could collide with identifiers that merely contain "segment" or "trait"
// as a substring.
func rewrite(rule string, segments map[string]bool, traits dsl.Env) (string, []string) {
	all, err := dsl.Tokenize(rule)
	if err != nil {
		// Unparseable source is left untouched; Parse will surface the same error
		// during evaluation and the caller turns it into allow=false.
		return rule, nil
	}
	// Drop whitespace tokens so `segment ("k")` still matches; byte offsets into the
	// original rule are unchanged.
	tokens := all[:0:0]
	for _, tok := range all {
		if tok.Type != "Whitespace" {
			tokens = append(tokens, tok)
		}
	}

	var out []byte
	var reasons []string
	last := 0

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != "Ident" || (tok.Value != "segment" && tok.Value != "trait") {
			continue
		}
		if i+3 >= len(tokens) {
			continue
		}
		if tokens[i+1].Value != "(" || tokens[i+2].Type != "String" || tokens[i+3].Value != ")" {
			continue
		}

		key := unquoteLiteral(tokens[i+2].Value)
		var replacement, reason string
		if tok.Value == "segment" {
			member := segments[key]
			replacement = boolLiteral(member)
			reason = fmt.Sprintf("segment(%s) = %v", key, member)
		} else {
			v, ok := traits[key]
			if !ok {
				v = dsl.Null()
			}
			replacement = v.Literal()
			reason = fmt.Sprintf("trait(%s) = %s", key, replacement)
		}

		out = append(out, rule[last:tok.Pos.Offset]...)
		out = append(out, replacement...)
		reasons = append(reasons, reason)

		closeParen := tokens[i+3]
		last = closeParen.Pos.Offset + len(closeParen.Value)
		i += 3
	}
	out = append(out, rule[last:]...)

	return string(out), reasons
}

// ValidateRule reports whether a flag rule parses once its segment("k")/trait("k")
// calls are rewritten to literals, which is the form Decide evaluates.
func ValidateRule(rule string) dsl.ValidationResult {
	rewritten, _ := rewrite(rule, nil, nil)
	return dsl.Validate(rewritten)
}

func boolLiteral(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// unquoteLiteral strips the surrounding quotes and \-escapes of a String token's raw
// text, matching the grammar's own string-literal escaping rules (only \" and \\).
func unquoteLiteral(s string) string {
	if len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			out = append(out, s[i])
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
