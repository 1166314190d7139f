package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRoundTrip(t *testing.T) {
	p := New(func() int { return 42 })
	v := p.Get()
	assert.Equal(t, 42, v)
	p.Put(7)
	// sync.Pool gives no ordering guarantee; we only require a valid value.
	got := p.Get()
	assert.Contains(t, []int{7, 42}, got)
}

func TestBytesSize(t *testing.T) {
	p := NewBytes(1232)
	b := p.Get()
	assert.Len(t, *b, 1232)
	p.Put(b)
}
