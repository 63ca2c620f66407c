package domain

// Card is a single idea on the board. The ID is a client-generated
// temporary token until the authority mints a durable one on confirmation.
type Card struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	UserID  string `json:"userId,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// Section is one ordered column of the board. The section set is fixed for
// the lifetime of a room; only the title is mutable.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

// Standard section identifiers. Every room starts with these three columns.
const (
	SectionCreation   = "section-1"
	SectionDiscussion = "section-2"
	SectionAdopted    = "section-3"
)

// DefaultSections returns the fixed three-column layout a new room starts with.
func DefaultSections() []Section {
	return []Section{
		{ID: SectionCreation, Title: "Ideas", Cards: []Card{}},
		{ID: SectionDiscussion, Title: "Discussion", Cards: []Card{}},
		{ID: SectionAdopted, Title: "Adopted", Cards: []Card{}},
	}
}

// CloneSections deep-copies a board projection so snapshots never alias live
// card slices.
func CloneSections(sections []Section) []Section {
	if sections == nil {
		return nil
	}
	out := make([]Section, len(sections))
	for i, s := range sections {
		out[i] = s
		out[i].Cards = make([]Card, len(s.Cards))
		copy(out[i].Cards, s.Cards)
	}
	return out
}
