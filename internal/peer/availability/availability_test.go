package availability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnknownAddrDefaultsAvailable(t *testing.T) {
	tr := New()
	assert.True(t, tr.IsAvailable("10.0.0.1:9000"))
}

func TestObserveDoesNotOverrideExistingBelief(t *testing.T) {
	tr := New()
	tr.MarkUnavailable("10.0.0.1:9000")
	tr.Observe("10.0.0.1:9000")
	assert.False(t, tr.IsAvailable("10.0.0.1:9000"))
}

func TestMarkUnavailableThenRecover(t *testing.T) {
	tr := New()
	addr := "10.0.0.1:9000"
	tr.Observe(addr)
	tr.MarkUnavailable(addr)
	assert.False(t, tr.IsAvailable(addr))
	assert.Equal(t, []string{addr}, tr.Unavailable())

	tr.MarkAvailable(addr)
	assert.True(t, tr.IsAvailable(addr))
	assert.Empty(t, tr.Unavailable())
}
