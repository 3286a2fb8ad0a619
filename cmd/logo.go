package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/shawkym/reqchat/internal/version"
)

var logoStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("99")).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("63")).
	Padding(0, 2)

// PrintLogo prints the reqchat banner.
func PrintLogo(w io.Writer) {
	fmt.Fprintln(w, logoStyle.Render("reqchat "+version.GetShortVersion()))
}
