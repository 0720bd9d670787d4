package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"ebcvm/internal/snapshot"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// RenderState draws a saved call state as a bordered register table.
func RenderState(s *snapshot.State) string {
	var b strings.Builder
	title := "call state"
	if s.Label != "" {
		title = s.Label
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(title))
	fmt.Fprintf(&b, "  %s  %d steps  width %d\n\n", styleStatus(reasonStatus(s.Reason)).Render(s.Reason), s.Steps, s.NativeWidth)

	for i := 0; i < len(s.R); i += 2 {
		b.WriteString(cell(fmt.Sprintf("R%d", i), s.R[i]))
		b.WriteString("  ")
		b.WriteString(cell(fmt.Sprintf("R%d", i+1), s.R[i+1]))
		b.WriteString("\n")
	}
	b.WriteString(cell("IP", s.IP))
	b.WriteString("  ")
	b.WriteString(cell("FP", s.FramePtr))
	b.WriteString("\n")
	b.WriteString(cell("FLAGS", s.Flags))
	b.WriteString("  ")
	b.WriteString(cell("ENTRY", s.EntryPoint))
	b.WriteString("\n")
	if s.ImageHandle != 0 {
		b.WriteString(cell("IMAGE", s.ImageHandle))
		b.WriteString("  ")
		b.WriteString(cell("SYSTAB", s.SystemTable))
		b.WriteString("\n")
	}
	if e := s.Exception(); e != nil {
		b.WriteString("\n")
		b.WriteString(styleStatus("error").Render(e.Error()))
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func cell(label string, v uint64) string {
	return labelStyle.Render(PadRight(label, 6)) + valueStyle.Render(fmt.Sprintf("0x%016x", v))
}

func reasonStatus(reason string) string {
	switch reason {
	case "normal":
		return "done"
	case "fault":
		return "error"
	default:
		return "running"
	}
}

// PadRight pads s with spaces to the given display width.
func PadRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}
