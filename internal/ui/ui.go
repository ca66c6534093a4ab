// Package ui renders loader results for the terminal.
package ui

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"github.com/deeplynx/loader/internal/cursor"
	"github.com/deeplynx/loader/internal/loader"
)

// Styles holds the styles used for terminal output.
type Styles struct {
	Header lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Fail   lipgloss.Style
	Muted  lipgloss.Style
	Border lipgloss.Style
}

// NewStyles builds the styles for a renderer.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		OK:     r.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:   r.NewStyle().Foreground(lipgloss.Color("11")),
		Fail:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		Muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		Border: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// Printer writes styled output.
type Printer struct {
	w      io.Writer
	styles Styles
}

// NewPrinter returns a printer for w. Colors follow the terminal's
// capabilities and are disabled when NO_COLOR is set.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{w: w, styles: NewStyles(r)}
}

// NewPlainPrinter returns a printer that never emits escape sequences.
func NewPlainPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.Ascii)
	return &Printer{w: w, styles: NewStyles(r)}
}

// Successf prints a success line.
func (p *Printer) Successf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.OK.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Fail.Render("Error: "+fmt.Sprintf(format, args...)))
}

// PassReport prints one row per visited data source and a summary line.
func (p *Printer) PassReport(report *loader.PassReport) {
	if report == nil {
		return
	}

	t := p.newTable("TABLE", "MODE", "START", "ROWS", "EXPIRED", "TIME", "RESULT")
	for _, rep := range report.Sources {
		result := p.styles.OK.Render("ok")
		if rep.Err != nil {
			result = p.styles.Fail.Render(rep.Err.Error())
		}
		expired := p.styles.Muted.Render("-")
		if rep.Cleaned {
			expired = strconv.FormatInt(rep.Expired, 10)
		}
		t.Row(
			rep.Table,
			rep.Mode.String(),
			startOf(rep),
			strconv.FormatInt(rep.Rows, 10),
			expired,
			rep.Duration.Round(time.Millisecond).String(),
			result,
		)
	}
	fmt.Fprintln(p.w, t.Render())

	var rows int64
	for _, rep := range report.Sources {
		rows += rep.Rows
	}
	summary := fmt.Sprintf("%d source(s), %d row(s) loaded in %s", len(report.Sources), rows, report.Duration.Round(time.Millisecond))
	if report.Failed() != nil {
		fmt.Fprintln(p.w, p.styles.Fail.Render("pass aborted: "+summary))
		return
	}
	fmt.Fprintln(p.w, p.styles.OK.Render(summary))
}

// StatusRow is the local state of one configured data source.
type StatusRow struct {
	Table     string
	State     cursor.State
	Rows      int64
	Position  string
	Secondary string
}

// Status prints the local state of every configured data source.
func (p *Printer) Status(rows []StatusRow) {
	t := p.newTable("TABLE", "STATE", "ROWS", "CURSOR", "SECONDARY")
	for _, row := range rows {
		state := row.State.String()
		switch row.State {
		case cursor.TableAbsent:
			state = p.styles.Warn.Render(state)
		case cursor.NoCursor:
			state = p.styles.Muted.Render(state)
		}
		count := p.styles.Muted.Render("-")
		if row.State != cursor.TableAbsent {
			count = strconv.FormatInt(row.Rows, 10)
		}
		t.Row(row.Table, state, count, orDash(row.Position), orDash(row.Secondary))
	}
	fmt.Fprintln(p.w, t.Render())
}

func (p *Printer) newTable(headers ...string) *table.Table {
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = p.styles.Header.Render(h)
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.styles.Border).
		Headers(styled...)
}

func startOf(rep loader.SourceReport) string {
	start := orDash(rep.Query.StartTime)
	if rep.Query.SecondaryIndexName != "" {
		start += fmt.Sprintf(" (%s>=%d)", rep.Query.SecondaryIndexName, rep.Query.SecondaryIndexStartValue)
	}
	return start
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
