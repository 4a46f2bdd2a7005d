package replay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// callFrame tracks one open call between OnEnter and its matching OnExit,
// spec §4.3's "push/pop stack tracking depth."
type callFrame struct {
	kind  mevtypes.CallKind
	from  common.Address
	to    common.Address
	input []byte
	value *big.Int
	depth int
}

// CallTracer implements spec §4.3's CallTracer: a push/pop stack that
// records every sub-call's kind, caller, callee, input, value, then
// matches its return with output bytes, gas used, and success. The flat
// post-order list of closed calls is InternalCalls().
type CallTracer struct {
	stack []callFrame
	calls []mevtypes.InternalCall
}

// NewCallTracer builds an empty CallTracer.
func NewCallTracer() *CallTracer {
	return &CallTracer{}
}

// InternalCalls returns the closed call list in post-order (the order
// OnExit observed them), matching spec §4.3's "internal_calls output."
func (t *CallTracer) InternalCalls() []mevtypes.InternalCall {
	return t.calls
}

func callKindOf(typ byte) mevtypes.CallKind {
	switch vm.OpCode(typ) {
	case vm.DELEGATECALL:
		return mevtypes.CallKindDelegateCall
	case vm.STATICCALL:
		return mevtypes.CallKindStaticCall
	case vm.CREATE, vm.CREATE2:
		return mevtypes.CallKindCreate
	default:
		return mevtypes.CallKindCall
	}
}

// onEnter is installed as tracing.Hooks.OnEnter.
func (t *CallTracer) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	frame := callFrame{
		kind:  callKindOf(typ),
		from:  from,
		to:    to,
		input: append([]byte(nil), input...),
		value: new(big.Int).Set(valueOrZero(value)),
		depth: depth,
	}
	t.stack = append(t.stack, frame)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// onExit is installed as tracing.Hooks.OnExit.
func (t *CallTracer) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	if len(t.stack) == 0 {
		return
	}
	frame := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]

	t.calls = append(t.calls, mevtypes.InternalCall{
		Kind:    frame.kind,
		From:    frame.from,
		To:      frame.to,
		Input:   frame.input,
		Output:  append([]byte(nil), output...),
		Value:   frame.value,
		GasUsed: gasUsed,
		Success: !reverted && err == nil,
		Depth:   frame.depth,
	})
}

// StateTracer implements spec §4.3's StateTracer: on every SSTORE
// observed, records (address, slot, pre-word, post-word), skipping
// no-op writes (pre == post).
type StateTracer struct {
	changes []mevtypes.StateChange
	seen    map[stateKey]common.Hash // not written: each change carries its own pre-value
}

type stateKey struct {
	addr common.Address
	slot common.Hash
}

// NewStateTracer builds an empty StateTracer.
func NewStateTracer() *StateTracer {
	return &StateTracer{seen: map[stateKey]common.Hash{}}
}

// StateChanges returns the recorded diffs in observation order.
func (t *StateTracer) StateChanges() []mevtypes.StateChange {
	return t.changes
}

// onStorageChange is installed as tracing.Hooks.OnStorageChange.
func (t *StateTracer) onStorageChange(addr common.Address, slot, prev, new common.Hash) {
	if prev == new {
		return
	}
	t.changes = append(t.changes, mevtypes.StateChange{
		Address: addr,
		Slot:    slot,
		Pre:     prev,
		Post:    new,
	})
}

// hooks builds the tracing.Hooks go-ethereum's vm.Config expects,
// wiring both tracers in without either one knowing about the other —
// "model each tracer as a dedicated value ... pass it by reference into
// the EVM host" per SPEC_FULL.md's Tracer inheritance design note.
func hooks(calls *CallTracer, states *StateTracer) *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:         calls.onEnter,
		OnExit:          calls.onExit,
		OnStorageChange: states.onStorageChange,
	}
}
