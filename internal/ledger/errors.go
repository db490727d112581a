package ledger

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"aegis/pkg/types"
)

// ErrUnknownReservation is returned when releasing or reconciling a
// reservation the ledger does not hold (never issued or already released).
var ErrUnknownReservation = errors.New("ledger: unknown or already released reservation")

// InsufficientMemoryError reports a reservation that would exceed a budget.
// It is always recoverable by the caller (queue, retry or downgrade).
type InsufficientMemoryError struct {
	Tier          types.Tier
	RequestedVRAM uint64
	RequestedRAM  uint64
	FreeVRAM      uint64
	FreeRAM       uint64
	// Unsatisfiable is set when the request exceeds the budget even with
	// every reservation released; retrying cannot succeed.
	Unsatisfiable bool
}

func (e *InsufficientMemoryError) Error() string {
	msg := fmt.Sprintf("insufficient memory for %s tier: requested %s VRAM / %s RAM, free %s VRAM / %s RAM",
		e.Tier,
		humanize.IBytes(e.RequestedVRAM), humanize.IBytes(e.RequestedRAM),
		humanize.IBytes(e.FreeVRAM), humanize.IBytes(e.FreeRAM))
	if e.Unsatisfiable {
		msg += " (exceeds budget)"
	}
	return msg
}

// Kind classifies the error for channel reports.
func (e *InsufficientMemoryError) Kind() string { return "insufficient_memory" }

// IsInsufficientMemory reports whether err is an InsufficientMemoryError.
func IsInsufficientMemory(err error) bool {
	var im *InsufficientMemoryError
	return errors.As(err, &im)
}

// SlotBusyError is returned when an exclusive tier already holds a reservation.
type SlotBusyError struct {
	Tier   types.Tier
	Holder string
}

func (e *SlotBusyError) Error() string {
	return fmt.Sprintf("%s tier slot is held by %s", e.Tier, e.Holder)
}

// IsSlotBusy reports whether err is a SlotBusyError.
func IsSlotBusy(err error) bool {
	var sb *SlotBusyError
	return errors.As(err, &sb)
}
