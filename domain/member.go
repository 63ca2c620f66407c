package domain

// Role is the authority-assigned capability of a room member.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Member is one connected participant of a room. Role changes only via a
// roster broadcast, never by local mutation.
type Member struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Job      string `json:"job,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Role     Role   `json:"role"`
}

// Room carries the metadata broadcast alongside the roster. The board itself
// travels separately as a []Section snapshot.
type Room struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	MaxMember int    `json:"maxMember,omitempty"`
}
