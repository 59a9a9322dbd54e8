package realtime

import (
	"fmt"
	"sort"
)

// Role is what a connection acts as.
type Role string

const (
	RoleUser    Role = "user"
	RoleMonitor Role = "monitor"
)

// Binding is the routing state of one live connection. It is created on the
// first join event and only ever changed through merge.
type Binding struct {
	Role          Role
	MonitorID     string
	Conversations map[uint]struct{}
	Rooms         map[string]struct{}
}

// Update is one join event applied to a binding. Zero fields leave the
// binding unchanged.
type Update struct {
	Role           Role
	MonitorID      string
	ConversationID uint
}

func newBinding() *Binding {
	return &Binding{
		Role:          RoleUser,
		Conversations: map[uint]struct{}{},
		Rooms:         map[string]struct{}{},
	}
}

func conversationRoom(id uint) string { return fmt.Sprintf("conversation_%d", id) }
func monitorRoom(id string) string    { return "monitor_" + id }

// merge folds u into b. A monitor identity, once bound, is never dropped by
// a later user-role join; subscriptions only accumulate.
func (b *Binding) merge(u Update) {
	if u.MonitorID != "" {
		if b.MonitorID != "" && b.MonitorID != u.MonitorID {
			delete(b.Rooms, monitorRoom(b.MonitorID))
		}
		b.MonitorID = u.MonitorID
		b.Role = RoleMonitor
		b.Rooms[monitorRoom(u.MonitorID)] = struct{}{}
	} else if u.Role == RoleMonitor {
		b.Role = RoleMonitor
	}
	if u.ConversationID != 0 {
		b.Conversations[u.ConversationID] = struct{}{}
		b.Rooms[conversationRoom(u.ConversationID)] = struct{}{}
	}
}

// drop removes one conversation subscription.
func (b *Binding) drop(conversationID uint) {
	delete(b.Conversations, conversationID)
	delete(b.Rooms, conversationRoom(conversationID))
}

// IsUser reports whether the connection speaks for the person in the
// conversations it joined.
func (b *Binding) IsUser() bool { return b.Role == RoleUser }

// conversationIDs returns the subscriptions in ascending order.
func (b *Binding) conversationIDs() []uint {
	out := make([]uint, 0, len(b.Conversations))
	for id := range b.Conversations {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Binding) clone() Binding {
	c := Binding{Role: b.Role, MonitorID: b.MonitorID,
		Conversations: make(map[uint]struct{}, len(b.Conversations)),
		Rooms:         make(map[string]struct{}, len(b.Rooms)),
	}
	for k := range b.Conversations {
		c.Conversations[k] = struct{}{}
	}
	for k := range b.Rooms {
		c.Rooms[k] = struct{}{}
	}
	return c
}
