package argv

import (
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]string{
		{"ls"},
		{"echo", "hello", "world"},
		{"echo", "hello world"},
		{"grep", `a "quoted" term`},
		{"printf", `back\slash`},
		{"cmd", ""},
		{"cmd", `"`},
		{"cmd", `\"`},
		{"a", "b c", `d"e`, `f\g`},
	}

	for _, args := range cases {
		cmdline := ToCmdline(args)

		got := ToArgv(cmdline)
		if !reflect.DeepEqual(got, args) {
			t.Errorf("round trip: args=%q cmdline=%q got=%q", args, cmdline, got)
		}
	}
}

func TestToArgvSplitsOnWhitespace(t *testing.T) {
	got := ToArgv("  foo   bar\tbaz  ")
	want := []string{"foo", "bar", "baz"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestToArgvEmptyCmdline(t *testing.T) {
	if got := ToArgv("   "); got != nil {
		t.Fatalf("ToArgv(whitespace only): got %q, want nil", got)
	}
}
