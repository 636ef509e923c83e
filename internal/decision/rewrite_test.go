package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cajpany/tinycdp/internal/dsl"
)

func TestRewriteSegmentAndTraitCalls(t *testing.T) {
	rule := `segment("power_users") && trait("plan") == "pro"`
	out, reasons := rewrite(rule, map[string]bool{"power_users": true}, dsl.Env{"plan": dsl.String("pro")})
	assert.Equal(t, `true && "pro" == "pro"`, out)
	assert.ElementsMatch(t, []string{"segment(power_users) = true", `trait(plan) = "pro"`}, reasons)
}

func TestRewriteMissingSegmentDefaultsFalse(t *testing.T) {
	out, reasons := rewrite(`segment("unknown")`, map[string]bool{}, dsl.Env{})
	assert.Equal(t, "false", out)
	assert.Equal(t, []string{"segment(unknown) = false"}, reasons)
}

func TestRewriteMissingTraitYieldsNull(t *testing.T) {
	out, reasons := rewrite(`trait("missing")`, map[string]bool{}, dsl.Env{})
	assert.Equal(t, "null", out)
	assert.Equal(t, []string{"trait(missing) = null"}, reasons)
}

// Rewriting must not collide with identifiers that merely contain "segment" or
// "trait" as a substring — a tokenizer naturally avoids this, unlike a naive
// regexp/string-replace approach would.
func TestRewriteDoesNotCollideWithLookalikeIdentifiers(t *testing.T) {
	out, reasons := rewrite(`segmentation_level == 1`, map[string]bool{}, dsl.Env{})
	assert.Equal(t, `segmentation_level == 1`, out)
	assert.Empty(t, reasons)
}

func TestRewriteNumericTraitLiteral(t *testing.T) {
	out, _ := rewrite(`trait("age") >= 18`, map[string]bool{}, dsl.Env{"age": dsl.Number(21)})
	assert.Equal(t, `21 >= 18`, out)
}
