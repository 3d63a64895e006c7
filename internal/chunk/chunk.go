// Package chunk implements the bytecode buffer the compiler emits
// into and the VM executes: a flat byte stream, a parallel line-number
// table for error reporting, and an append-only constant pool.
package chunk

import (
	"fmt"

	"github.com/estevaofon/loxvm/internal/value"
)

type OpCode byte

const (
	OpConstant OpCode = iota
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetGlobal
	OpDefineGlobal
	OpSetGlobal
	OpEqual
	OpGreater
	OpLess
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpNot
	OpNegate
	OpPrint
	OpJump
	OpJumpIfFalse
	OpLoop
	OpCall
	OpReturn
)

var opNames = map[OpCode]string{
	OpConstant:     "OP_CONSTANT",
	OpNil:          "OP_NIL",
	OpTrue:         "OP_TRUE",
	OpFalse:        "OP_FALSE",
	OpPop:          "OP_POP",
	OpGetLocal:     "OP_GET_LOCAL",
	OpSetLocal:     "OP_SET_LOCAL",
	OpGetGlobal:    "OP_GET_GLOBAL",
	OpDefineGlobal: "OP_DEFINE_GLOBAL",
	OpSetGlobal:    "OP_SET_GLOBAL",
	OpEqual:        "OP_EQUAL",
	OpGreater:      "OP_GREATER",
	OpLess:         "OP_LESS",
	OpAdd:          "OP_ADD",
	OpSubtract:     "OP_SUBTRACT",
	OpMultiply:     "OP_MULTIPLY",
	OpDivide:       "OP_DIVIDE",
	OpNot:          "OP_NOT",
	OpNegate:       "OP_NEGATE",
	OpPrint:        "OP_PRINT",
	OpJump:         "OP_JUMP",
	OpJumpIfFalse:  "OP_JUMP_IF_FALSE",
	OpLoop:         "OP_LOOP",
	OpCall:         "OP_CALL",
	OpReturn:       "OP_RETURN",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_UNKNOWN(%d)", byte(op))
}

// Chunk is an append-only bytecode buffer. len(Code) == len(Lines)
// always holds; constants are append-only and referenced by index.
type Chunk struct {
	Code      []byte
	Lines     []int
	Constants []value.Value
}

func New() *Chunk {
	return &Chunk{}
}

// Write appends one raw byte (an opcode or an operand byte) tagged
// with the source line that produced it.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant appends v to the constant pool and returns its index.
// Callers (internal/compiler) are responsible for rejecting indices
// that don't fit in the instruction encoding they chose.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// Disassemble prints every instruction in this chunk, for the
// --disassemble CLI flag. This is debug/dev tooling, never called
// from the VM's execution path.
func (c *Chunk) Disassemble(name string) {
	fmt.Printf("== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = c.DisassembleInstruction(offset)
	}
}

// DisassembleAll disassembles this chunk and, recursively, every
// function chunk reachable through its constant pool.
func (c *Chunk) DisassembleAll(name string) {
	c.Disassemble(name)
	for _, constant := range c.Constants {
		if constant.Type == value.Function {
			if fnChunk, ok := constant.Fn.Chunk.(*Chunk); ok {
				fnName := constant.Fn.Name
				if fnName == "" {
					fnName = "<script>"
				}
				fmt.Println()
				fnChunk.DisassembleAll(fnName)
			}
		}
	}
}

func (c *Chunk) DisassembleInstruction(offset int) int {
	fmt.Printf("%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		fmt.Printf("   | ")
	} else {
		fmt.Printf("%4d ", c.Lines[offset])
	}

	op := OpCode(c.Code[offset])
	switch op {
	case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal:
		return c.constantInstruction(op, offset)
	case OpGetLocal, OpSetLocal, OpCall:
		return c.byteInstruction(op, offset)
	case OpJump, OpJumpIfFalse, OpLoop:
		return c.jumpInstruction(op, offset)
	default:
		return c.simpleInstruction(op, offset)
	}
}

func (c *Chunk) simpleInstruction(op OpCode, offset int) int {
	fmt.Println(op)
	return offset + 1
}

func (c *Chunk) byteInstruction(op OpCode, offset int) int {
	slot := c.Code[offset+1]
	fmt.Printf("%-18s %4d\n", op, slot)
	return offset + 2
}

func (c *Chunk) jumpInstruction(op OpCode, offset int) int {
	jump := int(c.Code[offset+1])<<8 | int(c.Code[offset+2])
	fmt.Printf("%-18s %4d\n", op, jump)
	return offset + 3
}

func (c *Chunk) constantInstruction(op OpCode, offset int) int {
	idx := c.Code[offset+1]
	fmt.Printf("%-18s %4d '%s'\n", op, idx, c.Constants[idx])
	return offset + 2
}
