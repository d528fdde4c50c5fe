package model

// Event is the view of an event the fabric needs: who owns it and its current share link.
type Event struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Title        string `json:"title"`
	ShareToken   string `json:"-"`
	ShareEnabled bool   `json:"share_enabled"`
}

// Role classifies an authenticated connection.
type Role string

const (
	RoleHost   Role = "host"
	RoleCoHost Role = "co_host"
	RoleGuest  Role = "guest"
)

// IsAdmin reports whether the role receives the admin projection of notifications.
func (r Role) IsAdmin() bool { return r == RoleHost || r == RoleCoHost }

// Identity is set once when a connection authenticates and never changes afterwards.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	EventID     string `json:"event_id"`
	ShareToken  string `json:"-"`
	// MultiEvent identities may subscribe to events other than EventID.
	MultiEvent bool `json:"multi_event,omitempty"`
}

// CanAccess reports whether the identity is entitled to eventID's notifications.
func (i Identity) CanAccess(eventID string) bool {
	if eventID == "" {
		return false
	}
	return i.EventID == eventID || (i.MultiEvent && i.Role.IsAdmin())
}

const (
	adminGroupPrefix = "admin_"
	guestGroupPrefix = "guest_"
)

// AdminGroup is the routing group for host and co-host subscribers of an event.
func AdminGroup(eventID string) string { return adminGroupPrefix + eventID }

// GuestGroup is the routing group for guest subscribers of an event.
func GuestGroup(eventID string) string { return guestGroupPrefix + eventID }

// GroupFor returns the single group a connection with role joins for eventID.
func GroupFor(role Role, eventID string) string {
	if role.IsAdmin() {
		return AdminGroup(eventID)
	}
	return GuestGroup(eventID)
}
