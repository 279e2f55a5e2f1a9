package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/BadgerOps/sitemove/internal/engine"
)

// progressPrinter renders job progress: a single rewritten line on a
// terminal, one line per step change otherwise.
type progressPrinter struct {
	w        io.Writer
	tty      bool
	quiet    bool
	lastStep string
	dirty    bool
}

func newProgressPrinter(f *os.File, quiet bool) *progressPrinter {
	return &progressPrinter{
		w:     f,
		tty:   isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()),
		quiet: quiet,
	}
}

func (p *progressPrinter) Print(jp engine.JobProgress) {
	if p.quiet {
		return
	}
	line := progressLine(jp)
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		p.dirty = true
		return
	}
	if jp.Step != p.lastStep {
		fmt.Fprintln(p.w, line)
		p.lastStep = jp.Step
	}
}

// Finish ends a rewritten line so following output starts cleanly.
func (p *progressPrinter) Finish() {
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}

func progressLine(jp engine.JobProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%5.1f%%  %-9s", jp.Percent, jp.Step)
	if jp.FilesTotal > 0 {
		fmt.Fprintf(&b, "  files %d/%d", jp.FilesDone, jp.FilesTotal)
	}
	if jp.BytesTotal > 0 {
		fmt.Fprintf(&b, "  %s/%s", formatBytes(jp.BytesDone), formatBytes(jp.BytesTotal))
	}
	if jp.TablesTotal > 0 {
		fmt.Fprintf(&b, "  tables %d/%d", jp.TablesDone, jp.TablesTotal)
	}
	if jp.BytesPerSecond > 0 {
		fmt.Fprintf(&b, "  %s/s", formatBytes(jp.BytesPerSecond))
	}
	if jp.ETA != "" {
		fmt.Fprintf(&b, "  eta %s", jp.ETA)
	}
	return b.String()
}

// formatBytes formats a byte count into human-readable format
func formatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}
