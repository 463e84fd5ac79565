package security

import (
	"reflect"
	"testing"
)

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"ls", []string{"ls"}},
		{"ls; pwd", []string{"ls", "pwd"}},
		{"ls && pwd || echo fail", []string{"ls", "pwd", "echo fail"}},
		{"echo 'a; b'", []string{"echo 'a; b'"}},
		{`echo "x && y"`, []string{`echo "x && y"`}},
		{"ls;", []string{"ls"}},
		{"; ;", nil},
		{`echo a\;b`, []string{`echo a\;b`}},
	}
	for _, tc := range tests {
		got := splitSegments(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitSegments(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSplitPipeline(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"cat a.txt | grep foo", []string{"cat a.txt", "grep foo"}},
		{"cat a | sort | uniq", []string{"cat a", "sort", "uniq"}},
		{"grep 'a|b' file", []string{"grep 'a|b' file"}},
		{`grep "x|y" file`, []string{`grep "x|y" file`}},
	}
	for _, tc := range tests {
		got := splitPipeline(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitPipeline(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"ls -la /tmp", []string{"ls", "-la", "/tmp"}},
		{"echo 'hello world'", []string{"echo", "hello world"}},
		{`grep "a b" file`, []string{"grep", "a b", "file"}},
		{"echo ''", []string{"echo", ""}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tc := range tests {
		got := tokenize(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestContainsUnquoted(t *testing.T) {
	tests := []struct {
		in   string
		c    byte
		want bool
	}{
		{"echo hi > out", '>', true},
		{"grep '>' file", '>', false},
		{`grep ">" file`, '>', false},
		{`echo \> x`, '>', false},
		{"cat < in", '<', true},
	}
	for _, tc := range tests {
		if got := containsUnquoted(tc.in, tc.c); got != tc.want {
			t.Errorf("containsUnquoted(%q, %q) = %v, want %v", tc.in, string(tc.c), got, tc.want)
		}
	}
}

func TestHasUnquotedSingleAmp(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sleep 10 &", true},
		{"ls && pwd", false},
		{"echo 'a & b'", false},
		{"a && b & c", true},
	}
	for _, tc := range tests {
		if got := hasUnquotedSingleAmp(tc.in); got != tc.want {
			t.Errorf("hasUnquotedSingleAmp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseSegment(t *testing.T) {
	tests := []struct {
		in      string
		base    string
		sub     string
		ok      bool
	}{
		{"git status", "git", "status", true},
		{"git -C /repo log", "git", "/repo", true}, // flag values are not understood; best effort
		{"FOO=bar BAZ=1 ls -la", "ls", "", true},
		{"/usr/bin/git push origin", "git", "push", true},
		{"ls -la", "ls", "", true},
		{"FOO=bar", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range tests {
		cmd, ok := parseSegment(tc.in)
		if ok != tc.ok {
			t.Errorf("parseSegment(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if cmd.Base != tc.base {
			t.Errorf("parseSegment(%q).Base = %q, want %q", tc.in, cmd.Base, tc.base)
		}
		if cmd.Subcommand != tc.sub {
			t.Errorf("parseSegment(%q).Subcommand = %q, want %q", tc.in, cmd.Subcommand, tc.sub)
		}
	}
}

func TestIsAssignment(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"FOO=bar", true},
		{"_X=1", true},
		{"PATH=/usr/bin", true},
		{"=bar", false},
		{"1X=2", false},
		{"ls", false},
		{"a-b=c", false},
	}
	for _, tc := range tests {
		if got := isAssignment(tc.in); got != tc.want {
			t.Errorf("isAssignment(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
