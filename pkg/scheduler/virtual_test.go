package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVirtualFiresInOrderWithinWindow(t *testing.T) {
	v := NewVirtual()
	var order []string
	v.Add(2, func() { order = append(order, "b") })
	v.Add(1, func() { order = append(order, "a") })
	v.Add(5, func() { order = append(order, "late") })

	v.Advance(3)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, float64(3), v.Now())

	v.Advance(3)
	assert.Equal(t, []string{"a", "b", "late"}, order)
}

func TestVirtualCancelPreventsFire(t *testing.T) {
	v := NewVirtual()
	fired := false
	handle := v.Add(1, func() { fired = true })
	v.Cancel(handle)

	v.Advance(2)
	assert.False(t, fired)
}

func TestVirtualEntryCanScheduleAnotherEntry(t *testing.T) {
	v := NewVirtual()
	var order []string
	v.Add(1, func() {
		order = append(order, "first")
		v.Add(0, func() { order = append(order, "chained") })
	})

	v.Advance(1)
	assert.Equal(t, []string{"first", "chained"}, order)
}
