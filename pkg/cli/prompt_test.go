package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"answer", "acme\n", "default", "acme"},
		{"empty uses default", "\n", "default", "default"},
		{"whitespace uses default", "   \n", "default", "default"},
		{"eof uses default", "", "default", "default"},
		{"trimmed", "  globex \n", "", "globex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Org", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsk_ShowsDefault(t *testing.T) {
	p, out := newTestPrompter("\n")
	p.Ask("Listen address", ":8080")
	if !strings.Contains(out.String(), "Listen address [:8080]: ") {
		t.Errorf("unexpected prompt %q", out.String())
	}
}

func TestAskSecret_NonTerminalFallback(t *testing.T) {
	p, _ := newTestPrompter("admin-key-value\n")
	if got := p.AskSecret("Admin key"); got != "admin-key-value" {
		t.Errorf("AskSecret() = %q", got)
	}
}

func TestAskDuration_RetriesUntilValid(t *testing.T) {
	p, out := newTestPrompter("soon\n-5m\n15m\n")
	if got := p.AskDuration("TTL", time.Hour); got != 15*time.Minute {
		t.Errorf("AskDuration() = %v, want 15m", got)
	}
	if strings.Count(out.String(), "Enter a duration") != 2 {
		t.Errorf("expected two retry hints, got %q", out.String())
	}
}

func TestAskDuration_Default(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskDuration("TTL", time.Hour); got != time.Hour {
		t.Errorf("AskDuration() = %v, want 1h", got)
	}
}

func TestSelect(t *testing.T) {
	options := []string{"sqlite", "postgres"}

	p, _ := newTestPrompter("2\n")
	if got := p.Select("Driver", options, 0); got != "postgres" {
		t.Errorf("by number: got %q", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.Select("Driver", options, 0); got != "sqlite" {
		t.Errorf("default: got %q", got)
	}

	p, _ = newTestPrompter("Postgres\n")
	if got := p.Select("Driver", options, 0); got != "postgres" {
		t.Errorf("by name: got %q", got)
	}

	p, out := newTestPrompter("7\n1\n")
	if got := p.Select("Driver", options, 1); got != "sqlite" {
		t.Errorf("after retry: got %q", got)
	}
	if !strings.Contains(out.String(), "Pick 1-2.") {
		t.Errorf("missing retry hint in %q", out.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		def   bool
		want  bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\n", true, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.def); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.def, got, tt.want)
		}
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"DEVICE", "HOST"}, [][]string{{"d1", "build-01"}, {"d2", "build-02"}})
	for _, want := range []string{"DEVICE", "HOST", "d1", "build-02"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
