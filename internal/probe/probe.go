// Package probe defines the thin contract over the debug probe (§4.1).
// The probe transport itself (the JTAG library) is an out-of-scope
// external collaborator per §1; this package owns only the contract and
// the serialization discipline the spec requires of it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrProbeFault wraps any probe communication failure (§7 ProbeFault).
var ErrProbeFault = errors.New("probe: fault")

// Adapter is the contract §4.1 requires: halt, read the program counter,
// resume, and a diagnostic memory read.
type Adapter interface {
	Halt(ctx context.Context) error
	ReadPC(ctx context.Context) (uint32, error)
	Resume(ctx context.Context) error
	ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error)
	// PCRegisterIndex resolves the target-specific PC register ordinal.
	PCRegisterIndex(ctx context.Context) (int, error)
	Close() error
}

// Driver is the minimal external-collaborator surface a concrete Adapter
// shells out to; distinct drivers (a vendor's JTAG CLI, a J-Link RPC
// client) implement it. The spec excludes the driver itself from scope —
// this interface exists so Adapter can serialize calls to whatever driver
// is configured.
type Driver interface {
	Halt(ctx context.Context) error
	ReadPC(ctx context.Context) (uint32, error)
	Resume(ctx context.Context) error
	ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error)
	Registers(ctx context.Context) ([]RegisterInfo, error)
	Close() error
}

// RegisterInfo names a target register as reported by the driver, used to
// resolve the PC register ordinal (§4.1: match a name containing "R15" or
// equal to "PC", falling back to a constant).
type RegisterInfo struct {
	Index int
	Name  string
}

// FallbackPCRegisterIndex is used when no register name match is found.
const FallbackPCRegisterIndex = 15

// SerializingAdapter wraps a Driver and serializes every call through a
// mutex, because the underlying debug protocol is sequential (§4.1, §5).
type SerializingAdapter struct {
	mu     sync.Mutex
	driver Driver

	pcRegIdx     int
	pcRegResolved bool
}

// NewSerializingAdapter constructs an Adapter around driver.
func NewSerializingAdapter(driver Driver) *SerializingAdapter {
	return &SerializingAdapter{driver: driver}
}

func (a *SerializingAdapter) Halt(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.driver.Halt(ctx); err != nil {
		return fmt.Errorf("%w: halt: %v", ErrProbeFault, err)
	}
	return nil
}

func (a *SerializingAdapter) ReadPC(ctx context.Context) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, err := a.driver.ReadPC(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: read_pc: %v", ErrProbeFault, err)
	}
	return pc, nil
}

func (a *SerializingAdapter) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.driver.Resume(ctx); err != nil {
		return fmt.Errorf("%w: resume: %v", ErrProbeFault, err)
	}
	return nil
}

func (a *SerializingAdapter) ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	words, err := a.driver.ReadMemory32(ctx, addr, n)
	if err != nil {
		return nil, fmt.Errorf("%w: read_memory32: %v", ErrProbeFault, err)
	}
	return words, nil
}

func (a *SerializingAdapter) PCRegisterIndex(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pcRegResolved {
		return a.pcRegIdx, nil
	}

	regs, err := a.driver.Registers(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: registers: %v", ErrProbeFault, err)
	}
	for _, r := range regs {
		if r.Name == "PC" || containsR15(r.Name) {
			a.pcRegIdx = r.Index
			a.pcRegResolved = true
			return a.pcRegIdx, nil
		}
	}
	a.pcRegIdx = FallbackPCRegisterIndex
	a.pcRegResolved = true
	return a.pcRegIdx, nil
}

func (a *SerializingAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Close()
}

func containsR15(name string) bool {
	for i := 0; i+3 <= len(name); i++ {
		if name[i:i+3] == "R15" {
			return true
		}
	}
	return false
}
