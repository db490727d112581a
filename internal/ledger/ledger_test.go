package ledger

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/pkg/types"
)

const mib = 1 << 20

func newTestLedger(vram, ram uint64, exclusive ...types.Tier) *Ledger {
	return New(Config{VRAMBudget: vram, RAMBudget: ram, Exclusive: exclusive})
}

func TestReserveAndRelease(t *testing.T) {
	l := newTestLedger(100*mib, 200*mib)

	res, err := l.Reserve(types.TierDeep, 60*mib, 150*mib, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierDeep, res.Tier)
	assert.Equal(t, "req-1", res.Holder)

	vf, rf := l.Available()
	assert.Equal(t, uint64(40*mib), vf)
	assert.Equal(t, uint64(50*mib), rf)

	require.NoError(t, l.Release(res))
	vf, rf = l.Available()
	assert.Equal(t, uint64(100*mib), vf)
	assert.Equal(t, uint64(200*mib), rf)
}

func TestReserveInsufficientMemoryCarriesNumbers(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	_, err := l.Reserve(types.TierDeep, 80*mib, 10*mib, "a")
	require.NoError(t, err)

	_, err = l.Reserve(types.TierDeep, 30*mib, 10*mib, "b")
	require.Error(t, err)
	require.True(t, IsInsufficientMemory(err))

	var im *InsufficientMemoryError
	require.ErrorAs(t, err, &im)
	assert.Equal(t, uint64(30*mib), im.RequestedVRAM)
	assert.Equal(t, uint64(20*mib), im.FreeVRAM)
	assert.False(t, im.Unsatisfiable, "fits once the first reservation is released")
}

func TestReserveUnsatisfiableBeyondBudget(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	require.NoError(t, l.Pin(types.TierFast, 50*mib, 0, "resident:fast"))

	_, err := l.Reserve(types.TierDeep, 60*mib, 0, "deep-1")
	var im *InsufficientMemoryError
	require.ErrorAs(t, err, &im)
	assert.True(t, im.Unsatisfiable)
}

func TestReleaseExactlyOnce(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	res, err := l.Reserve(types.TierFast, 10*mib, 10*mib, "a")
	require.NoError(t, err)

	require.NoError(t, l.Release(res))
	assert.ErrorIs(t, l.Release(res), ErrUnknownReservation)

	snap := l.Snapshot()
	assert.Zero(t, snap.VRAMCommitted)
	assert.Zero(t, snap.RAMCommitted)
	assert.Empty(t, snap.Reservations)
}

func TestExclusiveTierSlot(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib, types.TierFast)
	first, err := l.Reserve(types.TierFast, mib, mib, "a")
	require.NoError(t, err)

	_, err = l.Reserve(types.TierFast, mib, mib, "b")
	require.True(t, IsSlotBusy(err), "second fast reservation must not overlap: %v", err)

	// Other tiers are unaffected by the fast slot.
	_, err = l.Reserve(types.TierDeep, mib, mib, "c")
	require.NoError(t, err)

	require.NoError(t, l.Release(first))
	_, err = l.Reserve(types.TierFast, mib, mib, "b")
	require.NoError(t, err)
}

func TestFitsMatchesReserveWithoutHolding(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib, types.TierFast)
	held, err := l.Reserve(types.TierDeep, 70*mib, 0, "other")
	require.NoError(t, err)

	assert.False(t, l.Fits(types.TierDeep, 40*mib, 0))
	assert.True(t, l.Fits(types.TierDeep, 30*mib, 0))
	vf, _ := l.Available()
	assert.Equal(t, uint64(30*mib), vf, "Fits reserves nothing")

	fast, err := l.Reserve(types.TierFast, mib, 0, "f")
	require.NoError(t, err)
	assert.False(t, l.Fits(types.TierFast, mib, 0), "busy exclusive slot")
	require.NoError(t, l.Release(fast))

	require.NoError(t, l.Reconcile(held, 80*mib, 0))
	require.NoError(t, l.Release(held))
	_, err = l.Reserve(types.TierFast, 25*mib, 0, "f2")
	require.NoError(t, err)
	assert.False(t, l.Fits(types.TierDeep, 10*mib, 0), "sized to the measured deep footprint")
	assert.False(t, l.Fits(types.TierFast, 0, 101*mib))
}

func TestPinCountsAgainstBudget(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	require.NoError(t, l.Pin(types.TierFast, 70*mib, 0, "resident:fast"))

	_, err := l.Reserve(types.TierDeep, 40*mib, 0, "deep")
	require.True(t, IsInsufficientMemory(err))

	// Re-pinning the same holder replaces the amount instead of adding.
	require.NoError(t, l.Pin(types.TierFast, 50*mib, 0, "resident:fast"))
	vf, _ := l.Available()
	assert.Equal(t, uint64(50*mib), vf)

	l.Unpin("resident:fast")
	vf, _ = l.Available()
	assert.Equal(t, uint64(100*mib), vf)
	l.Unpin("resident:fast")
}

func TestReconcileShrinksHeadroomAndResizesTier(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	res, err := l.Reserve(types.TierDeep, 40*mib, 10*mib, "deep-1")
	require.NoError(t, err)

	require.NoError(t, l.Reconcile(res, 55*mib, 10*mib))
	vf, _ := l.Available()
	assert.Equal(t, uint64(45*mib), vf, "drift shrinks headroom")

	// Measured below the declared estimate changes nothing.
	require.NoError(t, l.Reconcile(res, 10*mib, 1*mib))
	vf, _ = l.Available()
	assert.Equal(t, uint64(45*mib), vf)

	require.NoError(t, l.Release(res))
	vf, _ = l.Available()
	assert.Equal(t, uint64(100*mib), vf, "drift leaves with its reservation")

	// The next deep reservation is sized to the measured footprint.
	res2, err := l.Reserve(types.TierDeep, 40*mib, 10*mib, "deep-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(55*mib), res2.VRAM)

	assert.ErrorIs(t, l.Reconcile(Reservation{ID: 999}, 1, 1), ErrUnknownReservation)
}

func TestChangedClosesOnRelease(t *testing.T) {
	l := newTestLedger(100*mib, 100*mib)
	res, err := l.Reserve(types.TierDeep, mib, mib, "a")
	require.NoError(t, err)

	ch := l.Changed()
	select {
	case <-ch:
		t.Fatalf("changed closed before release")
	default:
	}
	require.NoError(t, l.Release(res))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("changed not closed after release")
	}
}

// Concurrent reservations never commit more than the budget, and every
// successful reservation is released exactly once.
func TestReserveNoOvercommitUnderConcurrency(t *testing.T) {
	const (
		vramBudget = 64 * mib
		ramBudget  = 128 * mib
		workers    = 32
		iterations = 200
	)
	l := newTestLedger(vramBudget, ramBudget)

	var (
		wg        sync.WaitGroup
		violation atomic.Value
		granted   atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				vram := uint64(rng.Intn(24)+1) * mib
				ram := uint64(rng.Intn(48)+1) * mib
				res, err := l.Reserve(types.TierDeep, vram, ram, fmt.Sprintf("w%d-%d", seed, i))
				if err != nil {
					if !IsInsufficientMemory(err) {
						violation.Store(err.Error())
					}
					continue
				}
				granted.Add(1)
				snap := l.Snapshot()
				if snap.VRAMCommitted > vramBudget || snap.RAMCommitted > ramBudget {
					violation.Store(fmt.Sprintf("overcommit: vram=%d ram=%d", snap.VRAMCommitted, snap.RAMCommitted))
				}
				if rng.Intn(4) == 0 {
					time.Sleep(time.Microsecond)
				}
				if err := l.Release(res); err != nil {
					violation.Store(err.Error())
				}
			}
		}(int64(w))
	}
	wg.Wait()

	if v := violation.Load(); v != nil {
		t.Fatalf("invariant violated: %v", v)
	}
	assert.Positive(t, granted.Load())
	snap := l.Snapshot()
	assert.Zero(t, snap.VRAMCommitted, "no leaked reservations")
	assert.Zero(t, snap.RAMCommitted)
	assert.Empty(t, snap.Reservations)
}

// Two simultaneous reservations that together exceed the budget cannot both succeed.
func TestReserveRaceExactlyOneAdmitted(t *testing.T) {
	for round := 0; round < 100; round++ {
		l := newTestLedger(100*mib, 100*mib)
		start := make(chan struct{})
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				if _, err := l.Reserve(types.TierDeep, 60*mib, 0, fmt.Sprint(i)); err == nil {
					ok.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), ok.Load(), "round %d", round)
	}
}
