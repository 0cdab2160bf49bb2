package palette

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexColor = regexp.MustCompile(`^#[0-9a-f]{6}$`)

func TestForIsStable(t *testing.T) {
	c1, h1 := For("tx:42")
	c2, h2 := For("tx:42")
	assert.Equal(t, c1, c2)
	assert.Equal(t, h1, h2)
	assert.Regexp(t, hexColor, c1)
	assert.Regexp(t, hexColor, h1)
	assert.NotEqual(t, c1, h1, "highlight should differ from base color")
}

func TestHueRange(t *testing.T) {
	for _, key := range []string{"", "users", "topic:signups", "query:1000"} {
		h := Hue(key)
		assert.GreaterOrEqual(t, h, 0.0)
		assert.Less(t, h, 360.0)
	}
}
