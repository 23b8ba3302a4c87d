package activity

// Type names an action in the closed activity vocabulary.
type Type string

const (
	EventCreated   Type = "event.created"
	EventUpdated   Type = "event.updated"
	EventCancelled Type = "event.cancelled"
	EventDeleted   Type = "event.deleted"

	GuestInvited    Type = "guest.invited"
	GuestUpdated    Type = "guest.updated"
	GuestRegistered Type = "guest.registered"
	GuestConfirmed  Type = "guest.confirmed"
	GuestDeclined   Type = "guest.declined"
	GuestCancelled  Type = "guest.cancelled"
	GuestCheckedIn  Type = "guest.checked_in"
	GuestRemoved    Type = "guest.removed"
	GuestWaitlisted Type = "guest.waitlisted"
	GuestPromoted   Type = "guest.promoted"

	MessageSent  Type = "message.sent"
	CommentAdded Type = "comment.added"

	CohostAdded     Type = "cohost.added"
	CohostRemoved   Type = "cohost.removed"
	SettingsUpdated Type = "settings.updated"
	ExportGenerated Type = "export.generated"
)

type typeInfo struct {
	description string
	guest       bool
}

var registry = map[Type]typeInfo{
	EventCreated:    {description: "created a new event"},
	EventUpdated:    {description: "updated event details"},
	EventCancelled:  {description: "cancelled the event"},
	EventDeleted:    {description: "deleted the event"},
	GuestInvited:    {description: "invited a new guest", guest: true},
	GuestUpdated:    {description: "updated guest details", guest: true},
	GuestRegistered: {description: "registered for the event", guest: true},
	GuestConfirmed:  {description: "confirmed attendance", guest: true},
	GuestDeclined:   {description: "declined attendance", guest: true},
	GuestCancelled:  {description: "cancelled their registration", guest: true},
	GuestCheckedIn:  {description: "checked in to the event", guest: true},
	GuestRemoved:    {description: "removed a guest", guest: true},
	GuestWaitlisted: {description: "joined the waitlist", guest: true},
	GuestPromoted:   {description: "was promoted from the waitlist", guest: true},
	MessageSent:     {description: "sent a message"},
	CommentAdded:    {description: "added a comment"},
	CohostAdded:     {description: "added a co-host"},
	CohostRemoved:   {description: "removed a co-host"},
	SettingsUpdated: {description: "updated event settings"},
	ExportGenerated: {description: "generated an export"},
}

// Valid reports whether t is in the vocabulary.
func (t Type) Valid() bool {
	_, ok := registry[t]
	return ok
}

// IsGuest reports whether t is one of the guest.* types.
func (t Type) IsGuest() bool {
	return registry[t].guest
}

// Describe returns the human-readable phrase for t, e.g.
// "checked in to the event".
func Describe(t Type) string {
	if info, ok := registry[t]; ok {
		return info.description
	}
	return "performed an action"
}
