package traffic

import (
	"testing"
	"time"

	"pingtunnel-vpn/internal/osnet/osnettest"
)

func TestPollRatesAndTotals(t *testing.T) {
	_, _, _, _, ifaces := osnettest.NewSystem()
	ifaces.SetCounters(21, 1000, 2000)
	ifaces.SetCounters(7, 5000, 6000)

	var got []Sample
	p := NewPoller(ifaces, 21, 7, func(s Sample) { got = append(got, s) })

	t0 := time.Now()
	p.poll(t0)
	if len(got) != 0 {
		t.Fatal("baseline iteration must not emit a sample")
	}

	ifaces.SetCounters(21, 1000+300, 2000+150)
	ifaces.SetCounters(7, 5000+400, 6000+250)
	p.poll(t0.Add(time.Second))

	if len(got) != 1 {
		t.Fatalf("samples = %d, want 1", len(got))
	}
	s := got[0]
	if s.TunRxBytesPerSec != 300 || s.TunTxBytesPerSec != 150 {
		t.Fatalf("tun rates rx=%d tx=%d, want 300/150", s.TunRxBytesPerSec, s.TunTxBytesPerSec)
	}
	if s.PhysRxBytesPerSec != 400 || s.PhysTxBytesPerSec != 250 {
		t.Fatalf("phys rates rx=%d tx=%d, want 400/250", s.PhysRxBytesPerSec, s.PhysTxBytesPerSec)
	}
	if s.TunRxTotal != 300 || s.TunTxTotal != 150 || s.PhysRxTotal != 400 || s.PhysTxTotal != 250 {
		t.Fatalf("totals %+v", s)
	}
}

func TestPollTotalsAccumulateFromBaseline(t *testing.T) {
	_, _, _, _, ifaces := osnettest.NewSystem()
	ifaces.SetCounters(21, 100, 100)
	ifaces.SetCounters(7, 100, 100)

	var last Sample
	p := NewPoller(ifaces, 21, 7, func(s Sample) { last = s })

	t0 := time.Now()
	p.poll(t0)
	ifaces.SetCounters(21, 600, 300)
	ifaces.SetCounters(7, 700, 400)
	p.poll(t0.Add(time.Second))
	ifaces.SetCounters(21, 1100, 500)
	ifaces.SetCounters(7, 1300, 700)
	p.poll(t0.Add(2 * time.Second))

	if last.TunRxTotal != 1000 || last.TunTxTotal != 400 {
		t.Fatalf("tun totals rx=%d tx=%d, want 1000/400", last.TunRxTotal, last.TunTxTotal)
	}
	if last.PhysRxTotal != 1200 || last.PhysTxTotal != 600 {
		t.Fatalf("phys totals rx=%d tx=%d, want 1200/600", last.PhysRxTotal, last.PhysTxTotal)
	}
	if last.TunRxBytesPerSec != 500 {
		t.Fatalf("tun rx rate = %d, want 500", last.TunRxBytesPerSec)
	}
}

func TestPollClampsCounterReset(t *testing.T) {
	_, _, _, _, ifaces := osnettest.NewSystem()
	ifaces.SetCounters(21, 10000, 10000)
	ifaces.SetCounters(7, 10000, 10000)

	var last Sample
	emitted := 0
	p := NewPoller(ifaces, 21, 7, func(s Sample) { last = s; emitted++ })

	t0 := time.Now()
	p.poll(t0)
	// Adapter counters dropped, as after a driver restart.
	ifaces.SetCounters(21, 50, 60)
	ifaces.SetCounters(7, 70, 80)
	p.poll(t0.Add(time.Second))

	if emitted != 1 {
		t.Fatalf("emitted = %d, want 1", emitted)
	}
	if last.TunRxBytesPerSec != 0 || last.TunTxBytesPerSec != 0 ||
		last.PhysRxBytesPerSec != 0 || last.PhysTxBytesPerSec != 0 {
		t.Fatalf("negative deltas must clamp to zero: %+v", last)
	}
	if last.TunRxTotal != 0 || last.PhysRxTotal != 0 {
		t.Fatalf("totals below baseline must clamp to zero: %+v", last)
	}
}

func TestPollSkipsOnReadError(t *testing.T) {
	_, _, _, _, ifaces := osnettest.NewSystem()
	ifaces.SetCounters(7, 100, 100)

	emitted := 0
	// Interface 99 is unknown to the fake, so every read fails.
	p := NewPoller(ifaces, 99, 7, func(Sample) { emitted++ })

	t0 := time.Now()
	p.poll(t0)
	p.poll(t0.Add(time.Second))
	if emitted != 0 {
		t.Fatalf("emitted = %d, want 0 when counters are unreadable", emitted)
	}
}
