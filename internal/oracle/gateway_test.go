package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONObjectFindsEmbeddedObject(t *testing.T) {
	in := "Sure, here is the analysis:\n{\"complexity\":\"simple\",\"iterations\":2}\nhope that helps!"
	got := extractJSONObject(in)
	assert.Equal(t, `{"complexity":"simple","iterations":2}`, got)
}

func TestExtractJSONObjectHandlesNestedBraces(t *testing.T) {
	in := `{"a": {"b": 1}, "c": 2}`
	got := extractJSONObject(in)
	assert.Equal(t, in, got)
}

func TestExtractJSONObjectNoObjectReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", extractJSONObject("no json here"))
}

func TestNormalizeCollapsesWhitespaceAndCase(t *testing.T) {
	assert.Equal(t, "fix the bug", normalize("  Fix   THE\tbug  "))
}

func TestValidateComplexityRejectsBadFields(t *testing.T) {
	err := validateComplexity(&ComplexityResponse{Complexity: "nonsense", Iterations: 5, Confidence: 0.5})
	assert.Error(t, err)

	err = validateComplexity(&ComplexityResponse{Complexity: ComplexitySimple, Iterations: 50, Confidence: 0.5})
	assert.Error(t, err)

	err = validateComplexity(&ComplexityResponse{Complexity: ComplexitySimple, Iterations: 2, Confidence: 1.5})
	assert.Error(t, err)

	err = validateComplexity(&ComplexityResponse{Complexity: ComplexitySimple, Iterations: 2, Confidence: 0.9})
	assert.NoError(t, err)
}

func TestCacheSetGetRoundTrip(t *testing.T) {
	c := newCache(2, time.Minute)
	c.set("a", 1)
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCacheEvictsOldestBeyondMaxSize(t *testing.T) {
	c := newCache(2, time.Minute)
	c.set("a", 1)
	c.set("b", 2)
	c.set("c", 3) // evicts "a"

	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("b")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}
