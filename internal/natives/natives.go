// Package natives registers the VM's builtin functions into a
// globals table. Kept as its own package (rather than inlined into
// internal/vmachine) so the set of builtins can grow independently of
// the interpreter loop, mirroring estevaofon-noxy's DefineNative
// registration pattern.
package natives

import (
	"time"

	"github.com/google/uuid"

	"github.com/estevaofon/loxvm/internal/value"
)

// Registrar is satisfied by *vmachine.VM. Decoupling registration from
// the concrete VM type keeps this package free of an import cycle.
type Registrar interface {
	DefineNative(name string, arity int, fn value.NativeGo)
}

// Register installs the initial native-function set into vm's globals.
func Register(vm Registrar) {
	vm.DefineNative("clock", 0, clock)
	vm.DefineNative("uuid", 0, newUUID)
}

// clock returns seconds since the Unix epoch, per spec §4.7.
func clock(_ []value.Value) (value.Value, error) {
	return value.NewNumber(float64(time.Now().UnixNano()) / float64(time.Second)), nil
}

// newUUID returns a fresh random (v4) UUID as a string. Supplements
// the spec's "initial set" of natives (see SPEC_FULL.md DOMAIN STACK).
func newUUID(_ []value.Value) (value.Value, error) {
	return value.NewString(uuid.NewString()), nil
}
