package proto

import (
	"errors"
	"reflect"
	"testing"
)

func TestArgsCodec(t *testing.T) {
	cases := []struct {
		args    []string
		encoded string
	}{
		{[]string{"echo", "hi"}, "echo\x00hi"},
		{[]string{"solo"}, "solo"},
		{[]string{"a", "", "c"}, "a\x00\x00c"},
	}
	for _, c := range cases {
		got := JoinArgs(c.args)
		if string(got) != c.encoded {
			t.Errorf("JoinArgs(%q) = %q, want %q", c.args, got, c.encoded)
		}
		back := SplitArgs(got)
		if !reflect.DeepEqual(back, c.args) {
			t.Errorf("SplitArgs(%q) = %q, want %q", got, back, c.args)
		}
	}
}

func TestSplitArgsEmpty(t *testing.T) {
	// empty argv still decodes to at least one element
	got := SplitArgs(nil)
	if !reflect.DeepEqual(got, []string{""}) {
		t.Errorf("SplitArgs(nil) = %q, want [\"\"]", got)
	}
}

func TestFormatExitCode(t *testing.T) {
	for code, want := range map[int]string{0: "0", 76: "76", 254: "254"} {
		got, err := FormatExitCode(code)
		if err != nil {
			t.Fatalf("FormatExitCode(%d) error: %v", code, err)
		}
		if string(got) != want {
			t.Errorf("FormatExitCode(%d) = %q, want %q", code, got, want)
		}
	}
	for _, code := range []int{-1, 255, 1000} {
		if _, err := FormatExitCode(code); !errors.Is(err, ErrExitCodeRange) {
			t.Errorf("FormatExitCode(%d) = %v, want ErrExitCodeRange", code, err)
		}
	}
}

func TestParseExitCode(t *testing.T) {
	code, err := ParseExitCode([]byte("76"))
	if err != nil || code != 76 {
		t.Errorf("ParseExitCode(76) = (%d, %v)", code, err)
	}
	for _, p := range []string{"", "nope", "12a", "-1", "255", "9999"} {
		if _, err := ParseExitCode([]byte(p)); err == nil {
			t.Errorf("ParseExitCode(%q) succeeded, want error", p)
		}
	}
}

func TestClampExitCode(t *testing.T) {
	cases := []struct {
		in, out int
		clamped bool
	}{
		{0, 0, false},
		{76, 76, false},
		{254, 254, false},
		{255, 254, true},
		{1000, 254, true},
		{-7, ExitAppFailure, true},
	}
	for _, c := range cases {
		out, clamped := ClampExitCode(c.in)
		if out != c.out || clamped != c.clamped {
			t.Errorf("ClampExitCode(%d) = (%d, %v), want (%d, %v)", c.in, out, clamped, c.out, c.clamped)
		}
	}
}

func TestCommand(t *testing.T) {
	req := &Request{Cwd: "/tmp", Args: []string{"echo", "hi"}}
	cmd := req.Command("echo", "hi")
	if cmd.Dir != "/tmp" {
		t.Errorf("Command Dir = %q, want /tmp", cmd.Dir)
	}
}
