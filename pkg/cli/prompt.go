// Package cli holds terminal helpers shared by the relay binaries: line
// prompts, hidden secret input and lipgloss output styles.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

func (p *Prompter) line() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

// Ask reads one line. An empty answer selects def.
func (p *Prompter) Ask(label, def string) string {
	if def == "" {
		p.printf("%s: ", label)
	} else {
		p.printf("%s [%s]: ", label, def)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads a line without echo when In is a terminal and falls back
// to a plain read otherwise.
func (p *Prompter) AskSecret(label string) string {
	p.printf("%s: ", label)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskDuration asks until the answer parses as a positive duration.
func (p *Prompter) AskDuration(label string, def time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(label, def.String()))
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Enter a duration such as 90s, 15m or 1h.\n")
	}
}

// Select lists options and returns the chosen one. def is an index into
// options.
func (p *Prompter) Select(label string, options []string, def int) string {
	p.printf("%s\n", label)
	for i, opt := range options {
		cursor := " "
		if i == def {
			cursor = ">"
		}
		p.printf(" %s %d) %s\n", cursor, i+1, opt)
	}
	for {
		ans := p.Ask("Choice", strconv.Itoa(def+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		p.printf("  Pick 1-%d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(label+" ("+hint+")", "")) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}
