package cmd

import (
	"fmt"
	"io"
	"strings"
)

// progressBar tracks finished runs on a terminal line. Failed runs are drawn
// as 'x' cells and counted separately.
type progressBar struct {
	total       int
	done        int
	failed      int
	width       int
	description string
	writer      io.Writer
}

func newProgressBar(total int, description string, writer io.Writer) *progressBar {
	return &progressBar{
		total:       total,
		width:       30,
		description: description,
		writer:      writer,
	}
}

// Add records n successful runs.
func (p *progressBar) Add(n int) {
	p.done = min(p.done+n, p.total-p.failed)
	p.render()
}

// Fail records n failed runs.
func (p *progressBar) Fail(n int) {
	p.failed = min(p.failed+n, p.total-p.done)
	p.render()
}

// Finish renders the final state and ends the line.
func (p *progressBar) Finish() {
	p.render()
	fmt.Fprintln(p.writer)
}

func (p *progressBar) render() {
	if p.total <= 0 {
		return
	}
	ok := p.done * p.width / p.total
	bad := (p.done + p.failed) * p.width / p.total
	bar := strings.Repeat("=", ok) + strings.Repeat("x", bad-ok) + strings.Repeat(" ", p.width-bad)
	fmt.Fprintf(p.writer, "\r%s [%s] %d/%d", p.description, bar, p.done+p.failed, p.total)
	if p.failed > 0 {
		fmt.Fprintf(p.writer, " (%d failed)", p.failed)
	}
}
