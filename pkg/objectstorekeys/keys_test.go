package objectstorekeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysAreDistinctAndStable(t *testing.T) {
	p1 := Protected("comp-a", 1)
	u1 := User("comp-a", 1)
	p2 := Protected("comp-a", 2)

	assert.NotEqual(t, p1, u1)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, "comp-a#1:protected", p1)
	assert.Equal(t, "comp-a#1:user", u1)
	assert.Equal(t, Protected("comp-a", 1), p1, "deterministic for the same inputs")
}
