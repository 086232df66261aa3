package realtime

import (
	"encoding/json"
	"sync"

	"golang.org/x/exp/maps"
)

// tracks which users are active on the canvas from the server's presence
// stream. Ephemeral: nothing here is persisted or reconciled.
type PresenceTracker struct {
	stateLock sync.Mutex
	// user id -> presence
	users map[string]UserPresence

	unsubscribe func()
}

func NewPresenceTracker(manager *ConnectionManager) *PresenceTracker {
	tracker := &PresenceTracker{
		users: map[string]UserPresence{},
	}
	tracker.unsubscribe = manager.Subscribe(
		tracker.handleEvent,
		EventKind(MessageOnlineUsers),
		EventKind(MessageUserJoined),
		EventKind(MessageUserLeft),
	)
	return tracker
}

func (self *PresenceTracker) handleEvent(event *ConnectionEvent) {
	if event.Message == nil {
		return
	}

	switch event.Message.Kind {
	case MessageOnlineUsers:
		result := OnlineUsersResult{}
		if err := json.Unmarshal(event.Message.Payload, &result); err != nil {
			return
		}
		self.stateLock.Lock()
		maps.Clear(self.users)
		for _, user := range result.Users {
			self.users[user.UserId] = user
		}
		self.stateLock.Unlock()
	case MessageUserJoined:
		user := UserPresence{}
		if err := json.Unmarshal(event.Message.Payload, &user); err != nil {
			return
		}
		if user.UserId == "" {
			return
		}
		self.stateLock.Lock()
		self.users[user.UserId] = user
		self.stateLock.Unlock()
	case MessageUserLeft:
		user := UserPresence{}
		if err := json.Unmarshal(event.Message.Payload, &user); err != nil {
			return
		}
		self.stateLock.Lock()
		delete(self.users, user.UserId)
		self.stateLock.Unlock()
	}
}

func (self *PresenceTracker) OnlineUsers() []UserPresence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]UserPresence, 0, len(self.users))
	for _, user := range self.users {
		out = append(out, user)
	}
	return out
}

func (self *PresenceTracker) Close() {
	self.unsubscribe()
}
