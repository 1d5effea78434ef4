package synthesis

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"scribe/internal/domain"
)

// Style describes one handwriting style the synthesis model offers.
type Style struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var styleDescriptions = [domain.StyleCount]struct {
	slug        string
	description string
}{
	{"clean cursive", "Clean cursive style"},
	{"slanted cursive", "Slightly slanted cursive"},
	{"rounded hand", "Rounded handwriting"},
	{"compact script", "Compact script"},
	{"wide spaced", "Wide spaced letters"},
	{"flowing script", "Elegant flowing script"},
	{"quick note", "Quick note style"},
	{"neat print", "Neat print-like"},
	{"artistic flourish", "Artistic flourish"},
	{"everyday writing", "Natural everyday writing"},
	{"bold strokes", "Bold confident strokes"},
	{"delicate script", "Light delicate script"},
	{"formal hand", "Classic formal hand"},
}

// Styles returns the catalog of available handwriting styles.
func Styles() []Style {
	titler := cases.Title(language.English)
	styles := make([]Style, 0, len(styleDescriptions))
	for id, entry := range styleDescriptions {
		styles = append(styles, Style{
			ID:          id,
			Name:        titler.String(entry.slug),
			Description: entry.description,
		})
	}
	return styles
}
