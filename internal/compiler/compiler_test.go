package compiler

import (
	"testing"
)

type compilerTestCase struct {
	input string
}

// TestCompileSmoke acts as a basic smoke test for the compiler
// infrastructure; exhaustive behavioral coverage (what bytecode means
// at runtime) lives in internal/vmachine's end-to-end tests.
func TestCompileSmoke(t *testing.T) {
	tests := []compilerTestCase{
		{"1 + 2;"},
		{"var a = 1; print a;"},
		{"fun add(a, b) { return a + b; } print add(1, 2);"},
		{"if (true) { print 1; } else { print 2; }"},
		{"for (var i = 0; i < 3; i = i + 1) { print i; }"},
	}
	for _, tt := range tests {
		fn, errs := Compile(tt.input)
		if len(errs) != 0 {
			t.Fatalf("Compile(%q) returned errors: %v", tt.input, errs)
		}
		if fn == nil {
			t.Fatalf("Compile(%q) returned nil Function with no errors", tt.input)
		}
	}
}

func TestCompileErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{"missing semicolon", "var a = 1", "Expect ';' after variable declaration."},
		{"invalid assignment target", "1 + 2 = 3;", "Invalid assignment target."},
		{"unexpected token", "var ;", "Expect variable name."},
		{"unclosed paren", "(1 + 2;", "Expect ')' after expression."},
		{"duplicate local", "{ var a = 1; var a = 2; }", "Already variable with this name in this scope."},
		{"self-referential initializer", "{ var a = a; }", "Can't read local variable in its own initializer."},
		{"too many parameters", tooManyParamsSource(), "Can't have more than 255 parameters."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := Compile(tt.input)
			if len(errs) == 0 {
				t.Fatalf("expected a compile error for %q, got none", tt.input)
			}
			found := false
			for _, e := range errs {
				if e.Message == tt.message {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected message %q among errors %v", tt.message, errs)
			}
		})
	}
}

func tooManyParamsSource() string {
	src := "fun f("
	for i := 0; i < 256; i++ {
		if i > 0 {
			src += ", "
		}
		src += "p" + itoa(i)
	}
	src += ") { return 0; }"
	return src
}

func itoa(n int) string {
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

func TestSynchronizeRecoversAfterError(t *testing.T) {
	// A malformed declaration followed by a well-formed one: the
	// compiler should report the first error and still successfully
	// parse the second without cascading.
	_, errs := Compile(`var ; var b = 1;`)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one reported error, got %v", errs)
	}
}
