// Package traffic derives per-second throughput and session byte
// totals from the cumulative interface counters of the TUN adapter
// and the physical default adapter.
package traffic

import (
	"context"
	"sync"
	"time"

	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/osnet"
)

const pollInterval = 1 * time.Second

// Sample is one throughput observation: rates over the last poll
// interval plus byte totals since the session baseline.
type Sample struct {
	TunRxBytesPerSec  uint64
	TunTxBytesPerSec  uint64
	PhysRxBytesPerSec uint64
	PhysTxBytesPerSec uint64

	TunRxTotal  uint64
	TunTxTotal  uint64
	PhysRxTotal uint64
	PhysTxTotal uint64
}

type snapshot struct {
	tunRx, tunTx   uint64
	physRx, physTx uint64
	at             time.Time
}

// Poller reads interface counters at a 1-second cadence and reports
// each sample through the sink callback.
type Poller struct {
	ifaces    osnet.Interfaces
	tunIndex  uint32
	physIndex uint32
	sink      func(Sample)

	mu       sync.Mutex
	baseline *snapshot
	prev     snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller over the two interfaces of an active
// session. sink receives every sample; it runs on the poll goroutine
// and must not block.
func NewPoller(ifaces osnet.Interfaces, tunIndex, physIndex uint32, sink func(Sample)) *Poller {
	return &Poller{
		ifaces:    ifaces,
		tunIndex:  tunIndex,
		physIndex: physIndex,
		sink:      sink,
	}
}

// Start begins polling. The first iteration establishes the session
// baseline and emits nothing.
func (p *Poller) Start() {
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.loop(ctx)
	core.Log.Infof("Traffic", "Poller started (tun=%d, phys=%d)", p.tunIndex, p.physIndex)
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(time.Now())
		}
	}
}

// poll reads both interfaces and emits one sample. Read errors are
// logged at debug and the iteration is skipped; the next tick retries.
func (p *Poller) poll(now time.Time) {
	tunRx, tunTx, err := p.ifaces.ReadCounters(p.tunIndex)
	if err != nil {
		core.Log.Debugf("Traffic", "TUN counters: %v", err)
		return
	}
	physRx, physTx, err := p.ifaces.ReadCounters(p.physIndex)
	if err != nil {
		core.Log.Debugf("Traffic", "Physical counters: %v", err)
		return
	}
	cur := snapshot{tunRx: tunRx, tunTx: tunTx, physRx: physRx, physTx: physTx, at: now}

	p.mu.Lock()
	if p.baseline == nil {
		base := cur
		p.baseline = &base
		p.prev = cur
		p.mu.Unlock()
		return
	}
	elapsed := now.Sub(p.prev.at).Seconds()
	if elapsed <= 0 {
		elapsed = pollInterval.Seconds()
	}
	sample := Sample{
		TunRxBytesPerSec:  rate(cur.tunRx, p.prev.tunRx, elapsed),
		TunTxBytesPerSec:  rate(cur.tunTx, p.prev.tunTx, elapsed),
		PhysRxBytesPerSec: rate(cur.physRx, p.prev.physRx, elapsed),
		PhysTxBytesPerSec: rate(cur.physTx, p.prev.physTx, elapsed),
		TunRxTotal:        delta(cur.tunRx, p.baseline.tunRx),
		TunTxTotal:        delta(cur.tunTx, p.baseline.tunTx),
		PhysRxTotal:       delta(cur.physRx, p.baseline.physRx),
		PhysTxTotal:       delta(cur.physTx, p.baseline.physTx),
	}
	p.prev = cur
	p.mu.Unlock()

	if p.sink != nil {
		p.sink(sample)
	}
}

// delta clamps counter resets and rollovers to zero.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func rate(cur, prev uint64, elapsedSec float64) uint64 {
	return uint64(float64(delta(cur, prev)) / elapsedSec)
}
