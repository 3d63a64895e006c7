package vmachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run compiles and executes source on a fresh VM and returns the
// strings passed to `print`, in order.
func run(t *testing.T, source string) []string {
	t.Helper()
	vm := New()
	err := vm.Interpret(source)
	require.NoError(t, err, "unexpected error interpreting: %s", source)
	return vm.PrintedValues()
}

func TestArithmeticPrecedence(t *testing.T) {
	tests := []struct {
		source   string
		expected string
	}{
		{`print 1 + 2 * 3;`, "7"},
		{`print (1 + 2) * 3;`, "9"},
		{`print 2 * (5 + 10);`, "30"},
		{`print 10 - 2 - 3;`, "5"},
		{`print 8 / 4 / 2;`, "1"},
		{`print -5 + 10;`, "5"},
		{`print !true;`, "false"},
		{`print !nil;`, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			out := run(t, tt.source)
			assert.Equal(t, []string{tt.expected}, out)
		})
	}
}

func TestStringConcatenation(t *testing.T) {
	out := run(t, `print "foo" + "bar";`)
	assert.Equal(t, []string{"foobar"}, out)
}

func TestShortCircuitAnd(t *testing.T) {
	out := run(t, `
		var calls = 0;
		fun sideEffect() { calls = calls + 1; return true; }
		false and sideEffect();
		print calls;
	`)
	assert.Equal(t, []string{"0"}, out)
}

func TestShortCircuitOr(t *testing.T) {
	out := run(t, `
		var calls = 0;
		fun sideEffect() { calls = calls + 1; return true; }
		true or sideEffect();
		print calls;
	`)
	assert.Equal(t, []string{"0"}, out)
}

func TestLexicalShadowing(t *testing.T) {
	out := run(t, `
		var a = "outer";
		{
			var a = "inner";
			print a;
		}
		print a;
	`)
	assert.Equal(t, []string{"inner", "outer"}, out)
}

func TestRecursion(t *testing.T) {
	out := run(t, `
		fun fib(n) {
			if (n < 2) return n;
			return fib(n - 1) + fib(n - 2);
		}
		print fib(8);
	`)
	assert.Equal(t, []string{"21"}, out)
}

func TestMutualRecursion(t *testing.T) {
	out := run(t, `
		fun isEven(n) {
			if (n == 0) return true;
			return isOdd(n - 1);
		}
		fun isOdd(n) {
			if (n == 0) return false;
			return isEven(n - 1);
		}
		print isEven(10);
		print isOdd(10);
	`)
	assert.Equal(t, []string{"true", "false"}, out)
}

func TestWhileAndForLoops(t *testing.T) {
	out := run(t, `
		var i = 0;
		var sum = 0;
		while (i < 5) {
			sum = sum + i;
			i = i + 1;
		}
		print sum;

		var total = 0;
		for (var j = 0; j < 5; j = j + 1) {
			total = total + j;
		}
		print total;
	`)
	assert.Equal(t, []string{"10", "10"}, out)
}

func TestGlobalAssignment(t *testing.T) {
	out := run(t, `
		var a = 1;
		a = a + 1;
		print a;
	`)
	assert.Equal(t, []string{"2"}, out)
}

func TestClockNativeReturnsNumber(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print clock() >= 0;`)
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, vm.PrintedValues())
}

func TestUUIDNativeReturnsString(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print uuid();`)
	require.NoError(t, err)
	require.Len(t, vm.PrintedValues(), 1)
	assert.Len(t, vm.PrintedValues()[0], 36) // canonical UUID string length
}

func TestRuntimeErrorArityMismatchInsideCall(t *testing.T) {
	vm := New()
	err := vm.Interpret(`
		fun c(a, b) {
			c("too", "many", "args");
		}
		c(1, 2);
	`)
	require.Error(t, err)
	ierr, ok := err.(*InterpretError)
	require.True(t, ok)
	assert.Equal(t, RuntimeErrorKind, ierr.Kind)
	assert.Equal(t, "Expected 2 arguments but got 3.", vm.LastErrorMessage())
}

func TestRuntimeErrorOperandMustBeNumbers(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print 1 + "two";`)
	require.Error(t, err)
	assert.Equal(t, "Operands must be numbers.", vm.LastErrorMessage())
}

func TestRuntimeErrorOperandMustBeNumber(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print -"x";`)
	require.Error(t, err)
	assert.Equal(t, "Operand must be a number.", vm.LastErrorMessage())
}

func TestRuntimeErrorUndefinedVariable(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print nope;`)
	require.Error(t, err)
	assert.Equal(t, "Undefined variable 'nope'.", vm.LastErrorMessage())
}

func TestRuntimeErrorCallNonCallable(t *testing.T) {
	vm := New()
	err := vm.Interpret(`var x = 1; x();`)
	require.Error(t, err)
	assert.Equal(t, "Can only call functions and classes.", vm.LastErrorMessage())
}

func TestVMIsReusableAfterRuntimeError(t *testing.T) {
	vm := New()
	err := vm.Interpret(`print 1 + "two";`)
	require.Error(t, err)

	err = vm.Interpret(`print 1 + 1;`)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, vm.PrintedValues())
}

func TestGlobalsPersistAcrossInterpretCalls(t *testing.T) {
	vm := New()
	require.NoError(t, vm.Interpret(`var a = 1;`))
	require.NoError(t, vm.Interpret(`a = a + 1;`))
	require.NoError(t, vm.Interpret(`print a;`))
	assert.Equal(t, []string{"2"}, vm.PrintedValues())
}

func TestInvalidAssignmentTargetIsCompileError(t *testing.T) {
	vm := New()
	err := vm.Interpret(`1 + 2 = 3;`)
	require.Error(t, err)
	ierr, ok := err.(*InterpretError)
	require.True(t, ok)
	assert.Equal(t, CompileErrorKind, ierr.Kind)
}

// TestSpecEndToEndScenarios reproduces the literal scenarios from the
// testable-properties section of the specification verbatim, so a
// regression in any of them is caught by name.
func TestSpecEndToEndScenarios(t *testing.T) {
	t.Run("arithmetic precedence", func(t *testing.T) {
		out := run(t, `print 2 + 3 * 4; print (2 * (6 - (2 + 2)));`)
		assert.Equal(t, []string{"14", "4"}, out)
	})

	t.Run("short-circuit and, assignment inside parens", func(t *testing.T) {
		out := run(t, `
			var a = "before"; var b = "before";
			(a = true) and (b = false) and (a = "bad");
			print a; print b;
		`)
		assert.Equal(t, []string{"true", "false"}, out)
	})

	t.Run("lexical shadowing", func(t *testing.T) {
		out := run(t, `var a = "global"; { var a = "shadow"; print a; } print a;`)
		assert.Equal(t, []string{"shadow", "global"}, out)
	})

	t.Run("recursion", func(t *testing.T) {
		out := run(t, `fun fib(n) { if (n < 2) return n; return fib(n-1) + fib(n-2); } print fib(8);`)
		assert.Equal(t, []string{"21"}, out)
	})

	t.Run("mutual recursion via globals", func(t *testing.T) {
		out := run(t, `
			fun isEven(n){ if (n==0) return true; return isOdd(n-1); }
			fun isOdd(n){ if (n==0) return false; return isEven(n-1); }
			print isEven(4); print isOdd(3);
		`)
		assert.Equal(t, []string{"true", "true"}, out)
	})

	t.Run("runtime error with trace", func(t *testing.T) {
		vm := New()
		err := vm.Interpret(`fun a(){ b(); } fun b(){ c(); } fun c(){ c("too","many"); } a();`)
		require.Error(t, err)
		ierr, ok := err.(*InterpretError)
		require.True(t, ok)
		assert.Equal(t, RuntimeErrorKind, ierr.Kind)
		assert.Equal(t, "Expected 0 arguments but got 2.", vm.LastErrorMessage())
	})

	t.Run("string concatenation", func(t *testing.T) {
		out := run(t, `print "(" + "" + ")";`)
		assert.Equal(t, []string{"()"}, out)

		vm := New()
		err := vm.Interpret(`print 1 + "x";`)
		require.Error(t, err)
		assert.Equal(t, "Operands must be numbers.", vm.LastErrorMessage())
	})

	t.Run("assignment-target validation", func(t *testing.T) {
		vm := New()
		err := vm.Interpret(`var a = "a"; (a) = "value";`)
		require.Error(t, err)
		ierr, ok := err.(*InterpretError)
		require.True(t, ok)
		assert.Equal(t, CompileErrorKind, ierr.Kind)
		assert.Equal(t, "Invalid assignment target.", vm.LastErrorMessage())
	})
}

func TestAssignmentIsRightAssociative(t *testing.T) {
	out := run(t, `
		var a = 0; var b = 0; var c = 3;
		a = b = c;
		print a; print b; print c;
	`)
	assert.Equal(t, []string{"3", "3", "3"}, out)
}

func TestParenthesesAreSemanticallyTransparent(t *testing.T) {
	out := run(t, `print (1 + 2 * 3);`)
	assert.Equal(t, []string{"7"}, out)
}

func TestIdempotenceAcrossFreshVMs(t *testing.T) {
	source := `fun square(n) { return n * n; } print square(6);`
	first := run(t, source)
	second := run(t, source)
	assert.Equal(t, first, second)
}

func TestBoundaryParametersAndArguments(t *testing.T) {
	params := make([]byte, 0, 255*3)
	args := make([]byte, 0, 255*3)
	for i := 0; i < 255; i++ {
		if i > 0 {
			params = append(params, ',')
			args = append(args, ',')
		}
		params = append(params, []byte(paramName(i))...)
		args = append(args, 'x')
	}
	// The arguments read a local so the call adds no entries to the
	// script's constant pool, which holds at most 256 constants.
	source := "fun f(" + string(params) + ") { return 0; } { var x = 1; print f(" + string(args) + "); }"
	out := run(t, source)
	assert.Equal(t, []string{"0"}, out)
}

func paramName(i int) string {
	return "p" + itoaForTest(i)
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestCallDepthBoundary(t *testing.T) {
	// FRAMES_MAX is 64 and counts the script's own frame too, so the
	// deepest successful chain of nested calls is 63 (64 frames total);
	// one more overflows.
	vm := New()
	err := vm.Interpret(`
		fun recurse(n) {
			if (n == 0) return 0;
			return recurse(n - 1);
		}
		print recurse(62);
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, vm.PrintedValues())

	vm2 := New()
	err = vm2.Interpret(`
		fun recurse(n) {
			if (n == 0) return 0;
			return recurse(n - 1);
		}
		recurse(200);
	`)
	require.Error(t, err)
	assert.Equal(t, "Stack overflow.", vm2.LastErrorMessage())
}
