package domain

import "fmt"

const (
	// StyleCount is the number of handwriting styles the synthesis model ships.
	StyleCount = 13

	// MaxVariantsPerBatch bounds how many parameter sets one submission may
	// carry. One variant per style is the most a single batch can usefully ask
	// for.
	MaxVariantsPerBatch = StyleCount

	DefaultBias        = 0.75
	DefaultStrokeColor = "black"
	DefaultStrokeWidth = 2

	maxBias        = 1.5
	maxStrokeWidth = 5
)

// VariantParams is the per-variant knob set forwarded to the synthesis
// service. It is a fixed, validated struct rather than a free-form map so
// malformed input is rejected before dispatch.
type VariantParams struct {
	Style       int     `json:"style"`
	Bias        float64 `json:"bias"`
	StrokeColor string  `json:"stroke_color"`
	StrokeWidth int     `json:"stroke_width"`
}

// Normalize fills zero-valued optional knobs with their defaults.
func (p *VariantParams) Normalize() {
	if p.Bias == 0 {
		p.Bias = DefaultBias
	}
	if p.StrokeColor == "" {
		p.StrokeColor = DefaultStrokeColor
	}
	if p.StrokeWidth == 0 {
		p.StrokeWidth = DefaultStrokeWidth
	}
}

// Validate checks every knob against the ranges the synthesis model accepts.
func (p VariantParams) Validate() error {
	if p.Style < 0 || p.Style >= StyleCount {
		return fmt.Errorf("%w: style must be between 0 and %d", ErrValidation, StyleCount-1)
	}
	if p.Bias < 0 || p.Bias > maxBias {
		return fmt.Errorf("%w: bias must be between 0 and %.1f", ErrValidation, maxBias)
	}
	if p.StrokeColor == "" {
		return fmt.Errorf("%w: stroke color is required", ErrValidation)
	}
	if p.StrokeWidth < 1 || p.StrokeWidth > maxStrokeWidth {
		return fmt.Errorf("%w: stroke width must be between 1 and %d", ErrValidation, maxStrokeWidth)
	}
	return nil
}
