package sync

import (
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/od"
)

type nullBus struct{}

func (nullBus) Send(frame canopen.Frame) error { return nil }
func (nullBus) Close() error                   { return nil }

func newTestSync(t *testing.T, cobID uint32) *SYNC {
	t.Helper()
	bm := canopen.NewBusManager(nullBus{}, &stdsync.Mutex{})
	dict := od.New()
	dict.AddVariable(0x1005, "COB-ID SYNC", od.UNSIGNED32, od.AccessRW, uint64(cobID))
	s, err := New(bm, dict.Index(0x1005))
	require.NoError(t, err)
	return s
}

func TestSyncFansOutInRegistrationOrder(t *testing.T) {
	s := newTestSync(t, 0x80)

	var order []int
	var mu stdsync.Mutex
	s.OnSync(func() { mu.Lock(); order = append(order, 1); mu.Unlock() })
	s.OnSync(func() { mu.Lock(); order = append(order, 2); mu.Unlock() })
	s.OnSync(func() { mu.Lock(); order = append(order, 3); mu.Unlock() })

	s.Handle(canopen.NewFrame(0x80, 0))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSyncIgnoresPayload(t *testing.T) {
	s := newTestSync(t, 0x80)
	fired := false
	s.OnSync(func() { fired = true })

	frame := canopen.NewFrame(0x80, 1)
	frame.Data[0] = 0xFF
	s.Handle(frame)
	assert.True(t, fired)
}

func TestSyncCancelRemovesCallback(t *testing.T) {
	s := newTestSync(t, 0x80)
	fired := false
	cancel := s.OnSync(func() { fired = true })
	cancel()

	s.Handle(canopen.NewFrame(0x80, 0))
	assert.False(t, fired)
}
