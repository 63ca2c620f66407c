package domain

import (
	"os"
	"strconv"
	"strings"
)

// Limits holds the board ceilings. Observed deployments disagree on the
// exact numbers (80 vs 10 character cap, 3 vs 2 per author, 20 vs 7 total),
// so they are configuration rather than constants.
type Limits struct {
	// ContentMax bounds card content length in runes.
	ContentMax int
	// AuthorMax caps cards per author within the creation section.
	AuthorMax int
	// SectionMax caps total cards within the creation section.
	SectionMax int
	// CreationSectionID is the only section that accepts new cards.
	CreationSectionID string
}

// DefaultLimits returns the ceilings of the standard board variant.
func DefaultLimits() Limits {
	return Limits{
		ContentMax:        80,
		AuthorMax:         3,
		SectionMax:        20,
		CreationSectionID: SectionCreation,
	}
}

// LimitsFromEnv reads ceiling overrides from the environment, falling back
// to the defaults for unset or invalid values.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	if n := envPositiveInt("CARD_CONTENT_MAX"); n > 0 {
		l.ContentMax = n
	}
	if n := envPositiveInt("AUTHOR_CARD_LIMIT"); n > 0 {
		l.AuthorMax = n
	}
	if n := envPositiveInt("SECTION_CARD_LIMIT"); n > 0 {
		l.SectionMax = n
	}
	if v := os.Getenv("CREATION_SECTION_ID"); v != "" {
		l.CreationSectionID = v
	}
	return l
}

func envPositiveInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// ValidContent reports whether trimmed card content is non-empty and within
// the configured length bound.
func (l Limits) ValidContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return len([]rune(trimmed)) <= l.ContentMax
}
