// Package ledger keeps the logical VRAM/RAM accounting for the host.
//
// Accounting is purely byte counters: the ledger never measures the real
// allocator. Tiers report their measured footprint after load and the ledger
// reconciles it (see Reconcile). Every mutation happens under one mutex, so
// concurrent Reserve calls that together exceed a budget cannot both succeed.
package ledger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aegis/pkg/types"
)

// Reservation is a budget grant for one active generation.
type Reservation struct {
	ID      uint64
	Tier    types.Tier
	VRAM    uint64
	RAM     uint64
	Holder  string
	Created time.Time
}

// Config configures a Ledger.
type Config struct {
	VRAMBudget uint64
	RAMBudget  uint64
	// Exclusive tiers admit at most one reservation at a time.
	Exclusive []types.Tier
	Logger    zerolog.Logger
	Now       func() time.Time
}

type entry struct {
	res       Reservation
	driftVRAM uint64
	driftRAM  uint64
}

type pin struct {
	tier types.Tier
	vram uint64
	ram  uint64
}

type footprint struct {
	vram uint64
	ram  uint64
}

// Ledger tracks budgets, pins and reservations.
type Ledger struct {
	mu         sync.Mutex
	vramBudget uint64
	ramBudget  uint64
	// vramUsed/ramUsed include reservations and pins; drift is tracked apart.
	vramUsed  uint64
	ramUsed   uint64
	vramDrift uint64
	ramDrift  uint64

	active    map[uint64]*entry
	pins      map[string]pin
	exclusive map[types.Tier]bool
	slot      map[types.Tier]uint64
	observed  map[types.Tier]footprint
	nextID    uint64
	changed   chan struct{}

	log zerolog.Logger
	now func() time.Time
}

// New constructs a Ledger with the given budgets.
func New(cfg Config) *Ledger {
	l := &Ledger{
		vramBudget: cfg.VRAMBudget,
		ramBudget:  cfg.RAMBudget,
		active:     make(map[uint64]*entry),
		pins:       make(map[string]pin),
		exclusive:  make(map[types.Tier]bool),
		slot:       make(map[types.Tier]uint64),
		observed:   make(map[types.Tier]footprint),
		changed:    make(chan struct{}),
		log:        cfg.Logger.With().Str("component", "ledger").Logger(),
		now:        cfg.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}
	for _, t := range cfg.Exclusive {
		l.exclusive[t] = true
	}
	return l
}

// Reserve grants vram/ram bytes to holder on tier, or fails with
// *InsufficientMemoryError (or *SlotBusyError for a busy exclusive tier).
// If the tier was previously measured above its declared size, the larger
// measured footprint is reserved instead.
func (l *Ledger) Reserve(tier types.Tier, vram, ram uint64, holder string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vram, ram, err := l.admitLocked(tier, vram, ram)
	if err != nil {
		l.log.Debug().Str("tier", string(tier)).Str("holder", holder).Err(err).Msg("reserve rejected")
		return Reservation{}, err
	}

	l.nextID++
	res := Reservation{
		ID:      l.nextID,
		Tier:    tier,
		VRAM:    vram,
		RAM:     ram,
		Holder:  holder,
		Created: l.now(),
	}
	l.active[res.ID] = &entry{res: res}
	l.vramUsed += vram
	l.ramUsed += ram
	if l.exclusive[tier] {
		l.slot[tier] = res.ID
	}
	l.log.Debug().Uint64("id", res.ID).Str("tier", string(tier)).Str("holder", holder).
		Uint64("vram", vram).Uint64("ram", ram).Msg("reserve")
	return res, nil
}

// Fits reports whether Reserve(tier, vram, ram, ...) would succeed right now.
func (l *Ledger) Fits(tier types.Tier, vram, ram uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _, err := l.admitLocked(tier, vram, ram)
	return err == nil
}

// admitLocked applies the exclusive slot and the observed footprint, then
// checks headroom. It returns the amounts a reservation would hold.
func (l *Ledger) admitLocked(tier types.Tier, vram, ram uint64) (uint64, uint64, error) {
	if l.exclusive[tier] {
		if id, busy := l.slot[tier]; busy {
			return 0, 0, &SlotBusyError{Tier: tier, Holder: l.active[id].res.Holder}
		}
	}
	if obs, ok := l.observed[tier]; ok {
		vram = max(vram, obs.vram)
		ram = max(ram, obs.ram)
	}
	if err := l.fitsLocked(tier, vram, ram, ""); err != nil {
		return 0, 0, err
	}
	return vram, ram, nil
}

// Release returns a reservation's bytes (and any recorded drift) to the
// budget. A reservation is released exactly once; a second call returns
// ErrUnknownReservation and changes nothing.
func (l *Ledger) Release(res Reservation) error {
	l.mu.Lock()
	e, ok := l.active[res.ID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownReservation
	}
	delete(l.active, res.ID)
	l.vramUsed -= e.res.VRAM
	l.ramUsed -= e.res.RAM
	l.vramDrift -= e.driftVRAM
	l.ramDrift -= e.driftRAM
	if l.slot[e.res.Tier] == res.ID {
		delete(l.slot, e.res.Tier)
	}
	ch := l.notifyLocked()
	l.mu.Unlock()
	close(ch)
	l.log.Debug().Uint64("id", res.ID).Str("tier", string(e.res.Tier)).Str("holder", e.res.Holder).Msg("release")
	return nil
}

// Available returns the free VRAM and RAM headroom.
func (l *Ledger) Available() (vramFree, ramFree uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeLocked()
}

// Reconcile records the measured footprint of an active reservation. If it
// exceeds the declared size the excess becomes drift, shrinking headroom until
// the reservation is released, and later reservations for the same tier are
// sized to the measured footprint. Measurements below the declared size are
// ignored.
func (l *Ledger) Reconcile(res Reservation, measuredVRAM, measuredRAM uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.active[res.ID]
	if !ok {
		return ErrUnknownReservation
	}
	var dv, dr uint64
	if measuredVRAM > e.res.VRAM {
		dv = measuredVRAM - e.res.VRAM
	}
	if measuredRAM > e.res.RAM {
		dr = measuredRAM - e.res.RAM
	}
	if dv == 0 && dr == 0 {
		return nil
	}
	if dv > e.driftVRAM {
		l.vramDrift += dv - e.driftVRAM
		e.driftVRAM = dv
	}
	if dr > e.driftRAM {
		l.ramDrift += dr - e.driftRAM
		e.driftRAM = dr
	}
	obs := l.observed[e.res.Tier]
	obs.vram = max(obs.vram, measuredVRAM)
	obs.ram = max(obs.ram, measuredRAM)
	l.observed[e.res.Tier] = obs
	l.log.Warn().Str("tier", string(e.res.Tier)).Uint64("declared_vram", e.res.VRAM).Uint64("measured_vram", measuredVRAM).
		Uint64("declared_ram", e.res.RAM).Uint64("measured_ram", measuredRAM).Msg("footprint above estimate")
	return nil
}

// Pin commits long-lived resident weights for holder. Pinning an existing
// holder again replaces the previous amounts.
func (l *Ledger) Pin(tier types.Tier, vram, ram uint64, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.pins[holder]
	if err := l.fitsLocked(tier, vram, ram, holder); err != nil {
		return err
	}
	l.vramUsed = l.vramUsed - prev.vram + vram
	l.ramUsed = l.ramUsed - prev.ram + ram
	l.pins[holder] = pin{tier: tier, vram: vram, ram: ram}
	l.log.Debug().Str("tier", string(tier)).Str("holder", holder).Uint64("vram", vram).Uint64("ram", ram).Msg("pin")
	return nil
}

// Unpin releases resident weights pinned for holder. Unknown holders are a no-op.
func (l *Ledger) Unpin(holder string) {
	l.mu.Lock()
	p, ok := l.pins[holder]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pins, holder)
	l.vramUsed -= p.vram
	l.ramUsed -= p.ram
	ch := l.notifyLocked()
	l.mu.Unlock()
	close(ch)
}

// Changed returns a channel that is closed the next time memory is returned
// to the ledger (release or unpin).
func (l *Ledger) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Snapshot is a read-only view of the ledger.
type Snapshot struct {
	VRAMBudget    uint64
	RAMBudget     uint64
	VRAMCommitted uint64
	RAMCommitted  uint64
	VRAMDrift     uint64
	RAMDrift      uint64
	Reservations  []Reservation
	Pins          int
}

// Snapshot returns the current accounting.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		VRAMBudget:    l.vramBudget,
		RAMBudget:     l.ramBudget,
		VRAMCommitted: l.vramUsed,
		RAMCommitted:  l.ramUsed,
		VRAMDrift:     l.vramDrift,
		RAMDrift:      l.ramDrift,
		Reservations:  make([]Reservation, 0, len(l.active)),
		Pins:          len(l.pins),
	}
	for _, e := range l.active {
		s.Reservations = append(s.Reservations, e.res)
	}
	return s
}

// fitsLocked checks vram/ram against headroom. The pin held by replacing
// (if any) is credited back, since the caller is about to overwrite it.
func (l *Ledger) fitsLocked(tier types.Tier, vram, ram uint64, replacing string) error {
	prev := l.pins[replacing]
	vf, rf := l.freeLocked()
	vf += prev.vram
	rf += prev.ram
	if vram <= vf && ram <= rf {
		return nil
	}
	// Unsatisfiable: cannot fit even with every reservation released.
	var pinnedVRAM, pinnedRAM uint64
	for h, p := range l.pins {
		if h == replacing {
			continue
		}
		pinnedVRAM += p.vram
		pinnedRAM += p.ram
	}
	return &InsufficientMemoryError{
		Tier:          tier,
		RequestedVRAM: vram,
		RequestedRAM:  ram,
		FreeVRAM:      vf,
		FreeRAM:       rf,
		Unsatisfiable: vram+pinnedVRAM > l.vramBudget || ram+pinnedRAM > l.ramBudget,
	}
}

func (l *Ledger) freeLocked() (uint64, uint64) {
	return sub(l.vramBudget, l.vramUsed+l.vramDrift), sub(l.ramBudget, l.ramUsed+l.ramDrift)
}

// notifyLocked swaps the changed channel and returns the old one to close.
func (l *Ledger) notifyLocked() chan struct{} {
	ch := l.changed
	l.changed = make(chan struct{})
	return ch
}

func sub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
