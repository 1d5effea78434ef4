package domain

import (
	"fmt"
	"strings"
)

const (
	// MaxLines and MaxCharsPerLine mirror the limits of the synthesis model.
	MaxLines        = 20
	MaxCharsPerLine = 75
)

// validChars is the character set the synthesis model was trained on. The
// uppercase letters Q, X and Z are absent from the training data and are
// rejected rather than rendered as garbage.
const validChars = " !\"#'(),-.0123456789:;?ABCDEFGHIJKLMNOPRSTUVWYabcdefghijklmnopqrstuvwxyz"

var validCharSet = func() map[rune]struct{} {
	set := make(map[rune]struct{}, len(validChars))
	for _, r := range validChars {
		set[r] = struct{}{}
	}
	return set
}()

// ValidateText checks the content payload against the synthesis model limits:
// non-empty, at most MaxLines lines, at most MaxCharsPerLine characters per
// line, and only characters from the supported set.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text cannot be empty", ErrValidation)
	}
	lines := strings.Split(text, "\n")
	if len(lines) > MaxLines {
		return fmt.Errorf("%w: at most %d lines allowed", ErrValidation, MaxLines)
	}
	for i, line := range lines {
		if len(line) > MaxCharsPerLine {
			return fmt.Errorf("%w: line %d exceeds %d characters", ErrValidation, i+1, MaxCharsPerLine)
		}
		for _, r := range line {
			if _, ok := validCharSet[r]; !ok {
				return fmt.Errorf("%w: unsupported character %q in line %d", ErrValidation, r, i+1)
			}
		}
	}
	return nil
}
