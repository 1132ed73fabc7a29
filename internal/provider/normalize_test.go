package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMoneyStripsSymbolAndSeparators(t *testing.T) {
	v, ok := ParseMoney("$1,234.50")
	assert.True(t, ok)
	assert.Equal(t, 1234.50, v)

	v, ok = ParseMoney("$0.00")
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestParseMoneyEmptyIsAbsent(t *testing.T) {
	_, ok := ParseMoney("  ")
	assert.False(t, ok)
}

func TestEmptyToAbsent(t *testing.T) {
	_, ok := EmptyToAbsent("   ")
	assert.False(t, ok)

	v, ok := EmptyToAbsent(" M ")
	assert.True(t, ok)
	assert.Equal(t, "M", v)
}

func TestTruncateFieldReportsTruncation(t *testing.T) {
	out, truncated := TruncateField("short", 50)
	assert.False(t, truncated)
	assert.Equal(t, "short", out)

	long := make([]byte, 60)
	for i := range long {
		long[i] = 'a'
	}
	out, truncated = TruncateField(string(long), 50)
	assert.True(t, truncated)
	assert.Len(t, out, 50)
}
