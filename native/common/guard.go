package common

import (
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	// ErrModulePaused is returned when a state-mutating entry point is hit
	// while the platform operator has the module suspended. Queries remain
	// available while paused.
	ErrModulePaused = errors.New("module paused")
	// ErrReentrantCall is returned when an external callback re-enters a
	// guarded entry point that is still executing. Reentrancy is always a
	// hostile or buggy caller, never expected in normal operation.
	ErrReentrantCall = errors.New("reentrant call")
)

// PauseView exposes the operator-controlled emergency pause switches.
type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard rejects nested entry into guarded operations. It records
// the goroutine executing the current operation so a callback re-entering on
// that goroutine is distinguishable from an unrelated goroutine that is
// merely waiting its turn on the transaction lock. The guard exists to block
// callback-driven re-entry during the external transfer interaction.
type ReentrancyGuard struct {
	owner atomic.Uint64
}

// Enter marks the guard as held by the calling goroutine. It fails with
// ErrReentrantCall when the guard is already held by an in-flight operation.
func (g *ReentrancyGuard) Enter() error {
	if g == nil {
		return nil
	}
	if !g.owner.CompareAndSwap(0, goroutineID()) {
		return ErrReentrantCall
	}
	return nil
}

// Reentered reports whether the calling goroutine is already inside a
// guarded operation. Entry points check this before taking the transaction
// lock so a reentrant callback fails fast instead of deadlocking on a lock
// its own caller holds.
func (g *ReentrancyGuard) Reentered() bool {
	if g == nil {
		return false
	}
	gid := goroutineID()
	return gid != 0 && g.owner.Load() == gid
}

// Exit releases the guard. Callers pair it with Enter via defer.
func (g *ReentrancyGuard) Exit() {
	if g == nil {
		return
	}
	g.owner.Store(0)
}

// goroutineID parses the current goroutine id out of the stack header
// ("goroutine N [running]:"). There is no runtime API for this; the format
// has been stable since Go 1.0.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
