package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
)

// printer serializes terminal output from listener goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

type boardRow struct {
	Rank  int
	Name  string
	Score int
}

func (p *printer) board(rows []boardRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(rows) == 0 {
		fmt.Fprintln(p.out, "Leaderboard is empty")
		return
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tNAME\tSCORE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", r.Rank, r.Name, r.Score)
	}
	_ = tw.Flush()
}

func (p *printer) question(index, total int, totalKnown bool, text string, options []string, seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if totalKnown {
		fmt.Fprintf(p.out, "\nQuestion %d/%d (%ds): %s\n", index+1, total, seconds, text)
	} else {
		fmt.Fprintf(p.out, "\nQuestion %d (%ds): %s\n", index+1, seconds, text)
	}
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, o)
	}
}

// readLines streams r line by line; the channel closes at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// parseChoice maps a typed answer to an option: a 1-based number or the
// option text, case-insensitive.
func parseChoice(input string, options []string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if n, err := strconv.Atoi(input); err == nil {
		if n < 1 || n > len(options) {
			return "", false
		}
		return options[n-1], true
	}
	for _, o := range options {
		if strings.EqualFold(o, input) {
			return o, true
		}
	}
	return "", false
}
