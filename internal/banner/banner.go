package banner

import (
	"llmbench/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

const ascii = `
 _ _           _                     _
| | |_ __ ___ | |__   ___ _ __   ___| |__
| | | '_ ` + "`" + ` _ \| '_ \ / _ \ '_ \ / __| '_ \
| | | | | | | | |_) |  __/ | | | (__| | | |
|_|_|_| |_| |_|_.__/ \___|_| |_|\___|_| |_|`

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	return "\n" + style.Render(ascii) + "\n"
}
