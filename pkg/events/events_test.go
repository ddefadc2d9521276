package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(opts ...Option) *Dispatcher {
	level, _ := log.ToLevel("debug")
	return NewDispatcher(log.NewTestLogger(level), opts...)
}

func TestFireInRegistrationOrder(t *testing.T) {
	d := newTestDispatcher()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		d.Register(MarketData, func(Event) error {
			order = append(order, i)
			return nil
		})
	}
	d.Fire(MarketData, nil)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestFireWithoutListeners(t *testing.T) {
	d := newTestDispatcher()
	assert.NotPanics(t, func() { d.Fire(TdConnected, nil) })
	assert.Equal(t, 0, d.Count(TdConnected))
}

func TestFaultyListenersAreIsolated(t *testing.T) {
	var faults []error
	d := newTestDispatcher(WithFaultHook(func(kind Kind, err error) {
		assert.Equal(t, MarketData, kind)
		faults = append(faults, err)
	}))

	d.Register(MarketData, func(Event) error { panic("boom") })
	d.Register(MarketData, func(Event) error { return errors.New("bad tick") })

	var got []interface{}
	d.Register(MarketData, func(ev Event) error {
		got = append(got, ev.Payload)
		return nil
	})

	d.Fire(MarketData, "tick-1")
	d.Fire(MarketData, "tick-2")

	assert.Equal(t, []interface{}{"tick-1", "tick-2"}, got)
	require.Len(t, faults, 4)
	assert.Contains(t, faults[0].Error(), "boom")
	assert.EqualError(t, faults[1], "bad tick")
}

func TestRegisterDuringFire(t *testing.T) {
	d := newTestDispatcher()

	calls := 0
	d.Register(OrderUpdate, func(Event) error {
		calls++
		d.Register(OrderUpdate, func(Event) error {
			calls += 100
			return nil
		})
		return nil
	})

	d.Fire(OrderUpdate, nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, d.Count(OrderUpdate))
}

func TestFireHookCountsEvents(t *testing.T) {
	counts := map[Kind]int{}
	d := newTestDispatcher(WithFireHook(func(k Kind) { counts[k]++ }))

	d.Fire(TdLoginSuccess, nil)
	d.Fire(TdLoginSuccess, nil)
	d.Fire(SettlementConfirmed, nil)

	assert.Equal(t, 2, counts[TdLoginSuccess])
	assert.Equal(t, 1, counts[SettlementConfirmed])
}

func TestConcurrentRegisterAndFire(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Register(TradeUpdate, func(Event) error {
				mu.Lock()
				seen++
				mu.Unlock()
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			d.Fire(TradeUpdate, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, d.Count(TradeUpdate))
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, seen, 64)
}
