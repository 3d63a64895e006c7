// Package vmachine implements the stack-based bytecode interpreter:
// a fixed array of call frames windowing a single value stack, a
// globals table, and a fetch-decode-execute loop over internal/chunk's
// opcode set.
package vmachine

import (
	"fmt"
	"io"
	"os"

	"github.com/estevaofon/loxvm/internal/chunk"
	"github.com/estevaofon/loxvm/internal/compiler"
	"github.com/estevaofon/loxvm/internal/natives"
	"github.com/estevaofon/loxvm/internal/value"
)

const (
	// FramesMax bounds call depth; exceeding it is "Stack overflow."
	FramesMax = 64
	// StackMax bounds total value-stack slots across all frames, sized
	// so each frame gets up to 256 slots (the largest a single byte
	// operand can index for OP_GET_LOCAL/OP_SET_LOCAL).
	StackMax = FramesMax * 256
)

// CallFrame is one activation record: the function being executed,
// its instruction pointer into that function's chunk, and the base
// index into the shared value stack where its slot 0 (the callee
// itself) begins.
type CallFrame struct {
	Function  *value.Func
	IP        int
	StackBase int
}

// ErrorKind distinguishes why Interpret failed, so callers (the CLI)
// can choose an exit code without parsing the message text.
type ErrorKind int

const (
	CompileErrorKind ErrorKind = iota
	RuntimeErrorKind
)

// InterpretError is the error type Interpret returns on failure.
type InterpretError struct {
	Kind    ErrorKind
	Message string
}

func (e *InterpretError) Error() string {
	if e.Kind == CompileErrorKind {
		return "compile error: " + e.Message
	}
	return "runtime error: " + e.Message
}

// Config carries behavioral toggles for a VM, analogous to the
// teacher's VMConfig: where print() and error output go, and whether
// to emit a live execution trace (stack contents plus the disassembly
// of the instruction about to run), mirroring the
// debug_trace_execution switch in original_source/src/vm.rs. Trace is
// off by default and is a debugging aid only — it never affects
// program semantics.
type Config struct {
	Trace  bool
	Stdout io.Writer
	Stderr io.Writer
}

// VM is a reusable bytecode interpreter. A single instance can run
// multiple successive Interpret calls (the REPL does this), keeping
// its globals table across calls while resetting the frame and value
// stacks before each one.
type VM struct {
	frames     [FramesMax]CallFrame
	frameCount int

	stack    [StackMax]value.Value
	stackTop int

	globals map[string]value.Value

	printedValues []string
	out           io.Writer
	errOut        io.Writer
	trace         bool

	lastErrorMessage string
}

// New returns a VM with default I/O (stdout/stderr) and tracing off.
func New() *VM { return NewWithConfig(Config{}) }

func NewWithConfig(cfg Config) *VM {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	vm := &VM{
		globals: make(map[string]value.Value),
		out:     cfg.Stdout,
		errOut:  cfg.Stderr,
		trace:   cfg.Trace,
	}
	natives.Register(vm)
	return vm
}

// DefineNative installs a native function under name, satisfying
// natives.Registrar.
func (vm *VM) DefineNative(name string, arity int, fn value.NativeGo) {
	vm.globals[name] = value.NewNative(&value.NativeFunc{Name: name, Arity: arity, Fn: fn})
}

// PrintedValues returns the string form of every value a `print`
// statement has emitted so far, in order — a diagnostic side channel
// for tests and tooling that doesn't want to scrape stdout.
func (vm *VM) PrintedValues() []string { return vm.printedValues }

// LastErrorMessage returns the message text (without the "[line L]"
// prefix) of the most recent compile or runtime error, or "" if none
// has occurred yet.
func (vm *VM) LastErrorMessage() string { return vm.lastErrorMessage }

// Interpret compiles and runs source. Globals persist across calls on
// the same VM; the frame and value stacks are always reset first.
func (vm *VM) Interpret(source string) error {
	vm.stackTop = 0
	vm.frameCount = 0

	fn, errs := compiler.Compile(source)
	if len(errs) > 0 {
		vm.lastErrorMessage = errs[len(errs)-1].Message
		return &InterpretError{Kind: CompileErrorKind, Message: vm.lastErrorMessage}
	}

	vm.push(value.NewFunction(fn))
	vm.frames[0] = CallFrame{Function: fn, IP: 0, StackBase: 0}
	vm.frameCount = 1

	return vm.run()
}

func (vm *VM) push(v value.Value) {
	if vm.stackTop >= StackMax {
		panic(stackOverflow{})
	}
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() value.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

func (vm *VM) resetStack() {
	vm.stackTop = 0
	vm.frameCount = 0
}

type stackOverflow struct{}

func frameChunk(fr *CallFrame) *chunk.Chunk { return fr.Function.Chunk.(*chunk.Chunk) }

func (vm *VM) readByte(fr *CallFrame) byte {
	b := frameChunk(fr).Code[fr.IP]
	fr.IP++
	return b
}

func (vm *VM) readShort(fr *CallFrame) uint16 {
	hi := vm.readByte(fr)
	lo := vm.readByte(fr)
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) readConstant(fr *CallFrame) value.Value {
	idx := vm.readByte(fr)
	return frameChunk(fr).Constants[idx]
}

// run is the fetch-decode-execute loop. frame is cached across
// iterations and only re-pointed after an instruction that pushes or
// pops a call frame (Call, Return), mirroring the teacher's
// cached-frame-with-manual-resync style.
func (vm *VM) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(stackOverflow); ok {
				err = vm.runtimeError(&vm.frames[vm.frameCount-1], "Stack overflow.")
				return
			}
			panic(r)
		}
	}()

	frame := &vm.frames[vm.frameCount-1]

	for {
		if vm.trace {
			vm.printTrace(frame)
		}

		instruction := chunk.OpCode(vm.readByte(frame))
		switch instruction {
		case chunk.OpConstant:
			vm.push(vm.readConstant(frame))

		case chunk.OpNil:
			vm.push(value.NewNil())
		case chunk.OpTrue:
			vm.push(value.NewBool(true))
		case chunk.OpFalse:
			vm.push(value.NewBool(false))
		case chunk.OpPop:
			vm.pop()

		case chunk.OpGetLocal:
			slot := vm.readByte(frame)
			vm.push(vm.stack[frame.StackBase+int(slot)])
		case chunk.OpSetLocal:
			slot := vm.readByte(frame)
			vm.stack[frame.StackBase+int(slot)] = vm.peek(0)

		case chunk.OpGetGlobal:
			name := *vm.readConstant(frame).Str
			v, ok := vm.globals[name]
			if !ok {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name)
			}
			vm.push(v)
		case chunk.OpDefineGlobal:
			name := *vm.readConstant(frame).Str
			vm.globals[name] = vm.pop()
		case chunk.OpSetGlobal:
			name := *vm.readConstant(frame).Str
			if _, ok := vm.globals[name]; !ok {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name)
			}
			vm.globals[name] = vm.peek(0)

		case chunk.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(value.Equal(a, b)))
		case chunk.OpGreater:
			if err := vm.numericBinary(func(a, b float64) value.Value { return value.NewBool(a > b) }); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}
		case chunk.OpLess:
			if err := vm.numericBinary(func(a, b float64) value.Value { return value.NewBool(a < b) }); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}

		case chunk.OpAdd:
			if err := vm.add(); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}
		case chunk.OpSubtract:
			if err := vm.numericBinary(func(a, b float64) value.Value { return value.NewNumber(a - b) }); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}
		case chunk.OpMultiply:
			if err := vm.numericBinary(func(a, b float64) value.Value { return value.NewNumber(a * b) }); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}
		case chunk.OpDivide:
			if err := vm.numericBinary(func(a, b float64) value.Value { return value.NewNumber(a / b) }); err != nil {
				return vm.runtimeError(frame, "%s", err.Error())
			}

		case chunk.OpNot:
			vm.push(value.NewBool(vm.pop().IsFalsey()))
		case chunk.OpNegate:
			if vm.peek(0).Type != value.Number {
				return vm.runtimeError(frame, "Operand must be a number.")
			}
			n := vm.pop().Num
			vm.push(value.NewNumber(-n))

		case chunk.OpPrint:
			v := vm.pop()
			s := v.String()
			fmt.Fprintln(vm.out, s)
			vm.printedValues = append(vm.printedValues, s)

		case chunk.OpJump:
			offset := vm.readShort(frame)
			frame.IP += int(offset)
		case chunk.OpJumpIfFalse:
			offset := vm.readShort(frame)
			if vm.peek(0).IsFalsey() {
				frame.IP += int(offset)
			}
		case chunk.OpLoop:
			offset := vm.readShort(frame)
			frame.IP -= int(offset)

		case chunk.OpCall:
			argCount := int(vm.readByte(frame))
			if callErr := vm.callValue(argCount); callErr != nil {
				return vm.runtimeError(frame, "%s", callErr.Error())
			}
			frame = &vm.frames[vm.frameCount-1]

		case chunk.OpReturn:
			result := vm.pop()
			returningBase := frame.StackBase
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop() // discard the script's own sentinel slot 0
				return nil
			}
			vm.stackTop = returningBase
			vm.push(result)
			frame = &vm.frames[vm.frameCount-1]

		default:
			return vm.runtimeError(frame, "Unknown opcode %d.", byte(instruction))
		}
	}
}

// add implements §4.5's dispatch-on-left-operand rule: number+number
// adds, string+string concatenates, anything else is a type error.
// Operands are peeked, not popped, until the operation is known to
// succeed, so a failed op leaves the stack trace-able at its
// original depth.
func (vm *VM) add() error {
	b := vm.peek(0)
	a := vm.peek(1)
	switch a.Type {
	case value.Number:
		if b.Type != value.Number {
			return fmt.Errorf("Operands must be numbers.")
		}
		vm.pop()
		vm.pop()
		vm.push(value.NewNumber(a.Num + b.Num))
	case value.String:
		if b.Type != value.String {
			return fmt.Errorf("Operands must be numbers.")
		}
		vm.pop()
		vm.pop()
		vm.push(value.NewString(*a.Str + *b.Str))
	default:
		return fmt.Errorf("Operands must be numbers.")
	}
	return nil
}

func (vm *VM) numericBinary(op func(a, b float64) value.Value) error {
	b := vm.peek(0)
	a := vm.peek(1)
	if a.Type != value.Number || b.Type != value.Number {
		return fmt.Errorf("Operands must be numbers.")
	}
	vm.pop()
	vm.pop()
	vm.push(op(a.Num, b.Num))
	return nil
}

// callValue dispatches OP_CALL against the callee sitting argCount
// slots below the top of the stack: a user Function pushes a new
// frame, a Native calls straight into Go and collapses its arguments
// immediately, anything else is "Can only call functions and
// classes."
func (vm *VM) callValue(argCount int) error {
	callee := vm.peek(argCount)
	switch callee.Type {
	case value.Function:
		fn := callee.Fn
		if argCount != fn.Arity {
			return fmt.Errorf("Expected %d arguments but got %d.", fn.Arity, argCount)
		}
		if vm.frameCount == FramesMax {
			return fmt.Errorf("Stack overflow.")
		}
		vm.frames[vm.frameCount] = CallFrame{
			Function:  fn,
			IP:        0,
			StackBase: vm.stackTop - argCount - 1,
		}
		vm.frameCount++
		return nil

	case value.Native:
		native := callee.NativeF
		if argCount != native.Arity {
			return fmt.Errorf("Expected %d arguments but got %d.", native.Arity, argCount)
		}
		args := make([]value.Value, argCount)
		copy(args, vm.stack[vm.stackTop-argCount:vm.stackTop])
		result, err := native.Fn(args)
		if err != nil {
			return err
		}
		vm.stackTop -= argCount + 1
		vm.push(result)
		return nil

	default:
		return fmt.Errorf("Can only call functions and classes.")
	}
}

// runtimeError records message, prints it followed by a stack trace
// (newest frame first, "[line L] in name()" or "in script" for the
// top frame), and resets the VM so it can be reused for a subsequent
// Interpret call.
func (vm *VM) runtimeError(_ *CallFrame, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	vm.lastErrorMessage = msg
	fmt.Fprintln(vm.errOut, msg)

	for i := vm.frameCount - 1; i >= 0; i-- {
		fr := &vm.frames[i]
		c := frameChunk(fr)
		line := 0
		if idx := fr.IP - 1; idx >= 0 && idx < len(c.Lines) {
			line = c.Lines[idx]
		}
		name := "script"
		if fr.Function.Name != "" {
			name = fr.Function.Name + "()"
		}
		fmt.Fprintf(vm.errOut, "[line %d] in %s\n", line, name)
	}

	vm.resetStack()
	return &InterpretError{Kind: RuntimeErrorKind, Message: msg}
}

func (vm *VM) printTrace(frame *CallFrame) {
	fmt.Fprint(vm.errOut, "          ")
	for i := 0; i < vm.stackTop; i++ {
		fmt.Fprintf(vm.errOut, "[ %s ]", vm.stack[i].String())
	}
	fmt.Fprintln(vm.errOut)
	frameChunk(frame).DisassembleInstruction(frame.IP)
}
