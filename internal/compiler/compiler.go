// Package compiler implements the single-pass Pratt-parsing compiler:
// it walks the token stream once, emitting bytecode directly into a
// chunk as it parses, with no intermediate AST. Nested function
// definitions push a new compiler state onto an explicit stack
// (manager) rather than recursing through a self-reference, so
// enclosing state is always reached by index, never by back-pointer.
package compiler

import (
	"fmt"
	"os"
	"strconv"

	"github.com/estevaofon/loxvm/internal/chunk"
	"github.com/estevaofon/loxvm/internal/lexer"
	"github.com/estevaofon/loxvm/internal/token"
	"github.com/estevaofon/loxvm/internal/value"
)

// CompileError is one diagnostic produced while compiling. Compile
// keeps scanning past errors (via synchronize) so a single call can
// surface more than one.
type CompileError struct {
	Line    int
	Message string
}

func (e CompileError) Error() string {
	return fmt.Sprintf("[line %d] %s", e.Line, e.Message)
}

// Local is a variable resolved at compile time to a frame-relative
// stack slot. Depth -1 means "declared but not yet initialized",
// which rejects a variable's initializer from reading itself.
type Local struct {
	Name  string
	Depth int
}

// funcState is the per-function compiler state: its own locals array,
// scope depth, and the Function/Chunk it is emitting into. The
// top-level script is compiled with a funcState too (name == "").
type funcState struct {
	function   *value.Func
	locals     []Local
	scopeDepth int
}

func newFuncState(name string) *funcState {
	fs := &funcState{
		function: &value.Func{Name: name, Chunk: chunk.New()},
	}
	// Slot 0 of every frame is reserved for the callee's own Function
	// value; user locals start at index 1.
	fs.locals = append(fs.locals, Local{Name: "", Depth: 0})
	return fs
}

func (fs *funcState) chunk() *chunk.Chunk {
	return fs.function.Chunk.(*chunk.Chunk)
}

// manager is the explicit stack of nested compiler states (§9:
// "Compiler stack of compilers"). The innermost function being
// compiled is always the top of the stack.
type manager struct {
	stack []*funcState
}

func (m *manager) push(fs *funcState) { m.stack = append(m.stack, fs) }

func (m *manager) pop() *funcState {
	fs := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return fs
}

func (m *manager) current() *funcState { return m.stack[len(m.stack)-1] }

// Precedence levels, ascending.
type precedence int

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix     parseFn
	infix      parseFn
	precedence precedence
}

// Compiler drives one single-pass compilation of a source string into
// a top-level *value.Func whose Chunk holds the emitted bytecode.
type Compiler struct {
	lexer    *lexer.Lexer
	current  token.Token
	previous token.Token

	hadError  bool
	panicMode bool
	errors    []CompileError

	mgr *manager
}

// Compile compiles source into a top-level script Function. On
// failure it returns the accumulated compile errors and a nil
// Function; the caller must not attempt to run it.
func Compile(source string) (*value.Func, []CompileError) {
	c := &Compiler{
		lexer: lexer.New(source),
		mgr:   &manager{},
	}
	c.mgr.push(newFuncState(""))

	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}
	fn := c.endFunction()

	if c.hadError {
		return nil, c.errors
	}
	return fn, nil
}

// --- token stream plumbing ---

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lexer.NextToken()
		if c.current.Type != token.Error {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t token.Type) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t token.Type) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(t token.Type, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

// --- error reporting & recovery (§4.4.6) ---

func (c *Compiler) errorAtCurrent(message string) { c.errorAt(c.current, message) }
func (c *Compiler) error(message string)          { c.errorAt(c.previous, message) }

func (c *Compiler) errorAt(tok token.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	c.hadError = true

	where := ""
	switch tok.Type {
	case token.EOF:
		where = " at end"
	case token.Error:
		// lexical errors carry their own message; no lexeme to report
	default:
		where = fmt.Sprintf(" at '%s'", tok.Lexeme)
	}
	fmt.Fprintf(os.Stderr, "[line %d] Error%s: %s\n", tok.Line, where, message)
	c.errors = append(c.errors, CompileError{Line: tok.Line, Message: message})
}

func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != token.EOF {
		if c.previous.Type == token.Semicolon {
			return
		}
		switch c.current.Type {
		case token.Class, token.Fun, token.Var, token.For, token.If, token.While, token.Print, token.Return:
			return
		}
		c.advance()
	}
}

// --- bytecode emission ---

func (c *Compiler) fs() *funcState { return c.mgr.current() }

func (c *Compiler) emitByte(b byte) {
	c.fs().chunk().Write(b, c.previous.Line)
}

func (c *Compiler) emitBytes(b1, b2 byte) {
	c.emitByte(b1)
	c.emitByte(b2)
}

func (c *Compiler) emitOp(op chunk.OpCode) { c.emitByte(byte(op)) }

func (c *Compiler) emitJump(op chunk.OpCode) int {
	c.emitOp(op)
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.fs().chunk().Code) - 2
}

func (c *Compiler) patchJump(offset int) {
	jump := len(c.fs().chunk().Code) - offset - 2
	if jump > 0xffff {
		c.error("Too much code to jump over.")
		return
	}
	code := c.fs().chunk().Code
	code[offset] = byte((jump >> 8) & 0xff)
	code[offset+1] = byte(jump & 0xff)
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(chunk.OpLoop)
	offset := len(c.fs().chunk().Code) - loopStart + 2
	if offset > 0xffff {
		c.error("Loop body too large.")
		return
	}
	c.emitByte(byte((offset >> 8) & 0xff))
	c.emitByte(byte(offset & 0xff))
}

func (c *Compiler) makeConstant(v value.Value) byte {
	idx := c.fs().chunk().AddConstant(v)
	if idx > 255 {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (c *Compiler) emitConstant(v value.Value) {
	c.emitBytes(byte(chunk.OpConstant), c.makeConstant(v))
}

func (c *Compiler) emitReturn() {
	c.emitOp(chunk.OpNil)
	c.emitOp(chunk.OpReturn)
}

// endFunction seals the innermost compiler state and returns the
// Function it produced, popping it off the manager stack so the
// caller (the enclosing compiler, or Compile for the script) becomes
// current again.
func (c *Compiler) endFunction() *value.Func {
	c.emitReturn()
	return c.mgr.pop().function
}

// --- scope & locals (§4.4.3) ---

func (c *Compiler) beginScope() { c.fs().scopeDepth++ }

func (c *Compiler) endScope() {
	fs := c.fs()
	fs.scopeDepth--
	for len(fs.locals) > 0 && fs.locals[len(fs.locals)-1].Depth > fs.scopeDepth {
		c.emitOp(chunk.OpPop)
		fs.locals = fs.locals[:len(fs.locals)-1]
	}
}

func (c *Compiler) addLocal(name string) {
	fs := c.fs()
	if len(fs.locals) >= 256 {
		c.error("Too many local variables in function.")
		return
	}
	fs.locals = append(fs.locals, Local{Name: name, Depth: -1})
}

func (c *Compiler) declareVariable() {
	fs := c.fs()
	if fs.scopeDepth == 0 {
		return
	}
	name := c.previous.Lexeme
	for i := len(fs.locals) - 1; i >= 0; i-- {
		local := fs.locals[i]
		if local.Depth != -1 && local.Depth < fs.scopeDepth {
			break
		}
		if local.Name == name {
			c.error("Already variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) identifierConstant(name string) byte {
	return c.makeConstant(value.NewString(name))
}

// parseVariable consumes an identifier and either declares it as a
// local (returning an unused placeholder) or reserves it as a named
// global constant, per the declaring scope.
func (c *Compiler) parseVariable(errMsg string) byte {
	c.consume(token.Identifier, errMsg)
	c.declareVariable()
	if c.fs().scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous.Lexeme)
}

func (c *Compiler) markInitialized() {
	fs := c.fs()
	if fs.scopeDepth == 0 {
		return
	}
	fs.locals[len(fs.locals)-1].Depth = fs.scopeDepth
}

func (c *Compiler) defineVariable(global byte) {
	if c.fs().scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitBytes(byte(chunk.OpDefineGlobal), global)
}

func (c *Compiler) resolveLocal(fs *funcState, name string) int {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].Name == name {
			if fs.locals[i].Depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// --- declarations & statements (§6 grammar) ---

func (c *Compiler) declaration() {
	switch {
	case c.match(token.Var):
		c.varDeclaration()
	case c.match(token.Fun):
		c.funDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(token.Equal) {
		c.expression()
	} else {
		c.emitOp(chunk.OpNil)
	}
	c.consume(token.Semicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	c.markInitialized() // allows the function to call itself recursively
	c.function()
	c.defineVariable(global)
}

// function compiles a `(params) { body }` into a fresh funcState
// pushed on the manager stack, then embeds the result as a constant
// back in the enclosing chunk (§4.4.5).
func (c *Compiler) function() {
	name := c.previous.Lexeme
	c.mgr.push(newFuncState(name))
	c.beginScope()

	c.consume(token.LeftParen, "Expect '(' after function name.")
	if !c.check(token.RightParen) {
		for {
			c.fs().function.Arity++
			if c.fs().function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			paramConstant := c.parseVariable("Expect parameter name.")
			c.defineVariable(paramConstant)
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RightParen, "Expect ')' after parameters.")
	c.consume(token.LeftBrace, "Expect '{' before function body.")
	c.block()

	fn := c.endFunction()
	c.emitConstant(value.NewFunction(fn))
}

func (c *Compiler) block() {
	for !c.check(token.RightBrace) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RightBrace, "Expect '}' after block.")
}

func (c *Compiler) statement() {
	switch {
	case c.match(token.Print):
		c.printStatement()
	case c.match(token.If):
		c.ifStatement()
	case c.match(token.While):
		c.whileStatement()
	case c.match(token.For):
		c.forStatement()
	case c.match(token.Return):
		c.returnStatement()
	case c.match(token.LeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after value.")
	c.emitOp(chunk.OpPrint)
}

func (c *Compiler) returnStatement() {
	if c.match(token.Semicolon) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after return value.")
	c.emitOp(chunk.OpReturn)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after expression.")
	c.emitOp(chunk.OpPop)
}

// ifStatement lowers to forward jumps exactly per §4.4.4.
func (c *Compiler) ifStatement() {
	c.consume(token.LeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(token.RightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()

	elseJump := c.emitJump(chunk.OpJump)
	c.patchJump(thenJump)
	c.emitOp(chunk.OpPop)

	if c.match(token.Else) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.fs().chunk().Code)
	c.consume(token.LeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(token.RightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(chunk.OpPop)
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(token.LeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(token.Semicolon):
		// no initializer
	case c.match(token.Var):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.fs().chunk().Code)
	exitJump := -1
	if !c.check(token.Semicolon) {
		c.expression()
		exitJump = c.emitJump(chunk.OpJumpIfFalse)
		c.emitOp(chunk.OpPop)
	}
	c.consume(token.Semicolon, "Expect ';' after loop condition.")

	if !c.check(token.RightParen) {
		bodyJump := c.emitJump(chunk.OpJump)
		incrStart := len(c.fs().chunk().Code)
		c.expression()
		c.emitOp(chunk.OpPop)
		c.consume(token.RightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrStart
		c.patchJump(bodyJump)
	} else {
		c.consume(token.RightParen, "Expect ')' after for clauses.")
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(chunk.OpPop)
	}
	c.endScope()
}

// --- Pratt expression parsing (§4.4.1, §4.4.2) ---

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LeftParen:    {grouping, call, precCall},
		token.Minus:        {unary, binary, precTerm},
		token.Plus:         {nil, binary, precTerm},
		token.Slash:        {nil, binary, precFactor},
		token.Star:         {nil, binary, precFactor},
		token.Bang:         {unary, nil, precNone},
		token.BangEqual:    {nil, binary, precEquality},
		token.EqualEqual:   {nil, binary, precEquality},
		token.Greater:      {nil, binary, precComparison},
		token.GreaterEqual: {nil, binary, precComparison},
		token.Less:         {nil, binary, precComparison},
		token.LessEqual:    {nil, binary, precComparison},
		token.Identifier:   {variable, nil, precNone},
		token.String:       {stringLiteral, nil, precNone},
		token.Number:       {number, nil, precNone},
		token.And:          {nil, and_, precAnd},
		token.Or:           {nil, or_, precOr},
		token.False:        {literal, nil, precNone},
		token.Nil:          {literal, nil, precNone},
		token.True:         {literal, nil, precNone},
	}
}

func getRule(t token.Type) parseRule {
	if r, ok := rules[t]; ok {
		return r
	}
	return parseRule{precedence: precNone}
}

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence is the core Pratt loop. canAssign gates whether a
// variable prefix may consume a trailing '=' as an assignment: only
// true when parsing at or below assignment precedence, matching
// §4.4.2 exactly.
func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefixRule := getRule(c.previous.Type).prefix
	if prefixRule == nil {
		c.error("Expect expression.")
		return
	}
	canAssign := prec <= precAssignment
	prefixRule(c, canAssign)

	for prec <= getRule(c.current.Type).precedence {
		c.advance()
		infixRule := getRule(c.previous.Type).infix
		infixRule(c, canAssign)
	}

	if canAssign && c.match(token.Equal) {
		c.error("Invalid assignment target.")
	}
}

func number(c *Compiler, _ bool) {
	n, _ := strconv.ParseFloat(c.previous.Lexeme, 64)
	c.emitConstant(value.NewNumber(n))
}

func stringLiteral(c *Compiler, _ bool) {
	c.emitConstant(value.NewString(c.previous.Lexeme))
}

func literal(c *Compiler, _ bool) {
	switch c.previous.Type {
	case token.False:
		c.emitOp(chunk.OpFalse)
	case token.Nil:
		c.emitOp(chunk.OpNil)
	case token.True:
		c.emitOp(chunk.OpTrue)
	}
}

func grouping(c *Compiler, _ bool) {
	c.expression()
	c.consume(token.RightParen, "Expect ')' after expression.")
}

func unary(c *Compiler, _ bool) {
	opType := c.previous.Type
	c.parsePrecedence(precUnary)
	switch opType {
	case token.Bang:
		c.emitOp(chunk.OpNot)
	case token.Minus:
		c.emitOp(chunk.OpNegate)
	}
}

func binary(c *Compiler, _ bool) {
	opType := c.previous.Type
	rule := getRule(opType)
	c.parsePrecedence(rule.precedence + 1)
	switch opType {
	case token.Plus:
		c.emitOp(chunk.OpAdd)
	case token.Minus:
		c.emitOp(chunk.OpSubtract)
	case token.Star:
		c.emitOp(chunk.OpMultiply)
	case token.Slash:
		c.emitOp(chunk.OpDivide)
	case token.BangEqual:
		c.emitOp(chunk.OpEqual)
		c.emitOp(chunk.OpNot)
	case token.EqualEqual:
		c.emitOp(chunk.OpEqual)
	case token.Greater:
		c.emitOp(chunk.OpGreater)
	case token.GreaterEqual:
		c.emitOp(chunk.OpLess)
		c.emitOp(chunk.OpNot)
	case token.Less:
		c.emitOp(chunk.OpLess)
	case token.LessEqual:
		c.emitOp(chunk.OpGreater)
		c.emitOp(chunk.OpNot)
	}
}

func call(c *Compiler, _ bool) {
	argCount := c.argumentList()
	c.emitBytes(byte(chunk.OpCall), argCount)
}

func (c *Compiler) argumentList() byte {
	count := 0
	if !c.check(token.RightParen) {
		for {
			c.expression()
			if count == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			count++
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RightParen, "Expect ')' after arguments.")
	return byte(count)
}

func variable(c *Compiler, canAssign bool) {
	namedVariable(c, c.previous.Lexeme, canAssign)
}

func namedVariable(c *Compiler, name string, canAssign bool) {
	var getOp, setOp chunk.OpCode
	arg := c.resolveLocal(c.fs(), name)
	if arg != -1 {
		getOp, setOp = chunk.OpGetLocal, chunk.OpSetLocal
	} else {
		arg = int(c.identifierConstant(name))
		getOp, setOp = chunk.OpGetGlobal, chunk.OpSetGlobal
	}

	if canAssign && c.match(token.Equal) {
		c.expression()
		c.emitBytes(byte(setOp), byte(arg))
	} else {
		c.emitBytes(byte(getOp), byte(arg))
	}
}

func and_(c *Compiler, _ bool) {
	endJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func or_(c *Compiler, _ bool) {
	elseJump := c.emitJump(chunk.OpJumpIfFalse)
	endJump := c.emitJump(chunk.OpJump)
	c.patchJump(elseJump)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}
