// Package correlator allocates request ids and order references.
package correlator

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

// Correlator hands out request ids scoped per channel and order references
// shared by the whole gateway. Ids start at 1 and are never reused.
type Correlator struct {
	mu       sync.RWMutex
	requests map[ctp.Channel]*atomic.Int64
	orderRef atomic.Int64
}

func New() *Correlator {
	return &Correlator{
		requests: map[ctp.Channel]*atomic.Int64{
			ctp.ChannelMarket: new(atomic.Int64),
			ctp.ChannelTrade:  new(atomic.Int64),
		},
	}
}

// NextRequestID returns the next id for the channel.
func (c *Correlator) NextRequestID(ch ctp.Channel) int {
	c.mu.RLock()
	counter, ok := c.requests[ch]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if counter, ok = c.requests[ch]; !ok {
			counter = new(atomic.Int64)
			c.requests[ch] = counter
		}
		c.mu.Unlock()
	}
	return int(counter.Add(1))
}

// NextOrderRef returns the next order reference as a decimal string.
func (c *Correlator) NextOrderRef() string {
	return strconv.FormatInt(c.orderRef.Add(1), 10)
}

// SeedOrderRef raises the order reference floor to the server's MaxOrderRef
// so references handed out after a re-login stay unique for the trading day.
// It never lowers the counter. Unparseable values are ignored.
func (c *Correlator) SeedOrderRef(maxOrderRef string) {
	n, err := strconv.ParseInt(strings.TrimSpace(maxOrderRef), 10, 64)
	if err != nil {
		return
	}
	for {
		cur := c.orderRef.Load()
		if n <= cur || c.orderRef.CompareAndSwap(cur, n) {
			return
		}
	}
}
