// Package utils contains small helpers for the nexad binary.
package utils

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	logoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	taglineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// DisplayLogo prints the Nexa banner with version information
func DisplayLogo(version string) {
	fmt.Println()
	fmt.Println(logoStyle.Render(` ░█▀█░█▀▀░█░█░█▀█░
 ░█░█░█▀▀░▄▀▄░█▀█░
 ░▀░▀░▀▀▀░▀░▀░▀░▀░`))
	fmt.Printf("\n Nexa v%s\n", version)
	fmt.Println(taglineStyle.Render(" Control plane for clusters of AI agents"))
	fmt.Println()
}
