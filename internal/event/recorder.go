package event

import "sync"

// Recorder is a Sink that remembers every event, for tests and the inspect
// binary.
type Recorder struct {
	mu sync.Mutex

	Users        []User
	Chats        []Chat
	Channels     []Channel
	SecretChats  []SecretChat
	UserFulls    []UserFull
	ChatFulls    []ChatFull
	ChannelFulls []ChannelFull
}

func (r *Recorder) UserUpdated(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Users = append(r.Users, u)
}

func (r *Recorder) ChatUpdated(c Chat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Chats = append(r.Chats, c)
}

func (r *Recorder) ChannelUpdated(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Channels = append(r.Channels, c)
}

func (r *Recorder) SecretChatUpdated(s SecretChat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SecretChats = append(r.SecretChats, s)
}

func (r *Recorder) UserFullUpdated(f UserFull) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UserFulls = append(r.UserFulls, f)
}

func (r *Recorder) ChatFullUpdated(f ChatFull) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ChatFulls = append(r.ChatFulls, f)
}

func (r *Recorder) ChannelFullUpdated(f ChannelFull) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ChannelFulls = append(r.ChannelFulls, f)
}

// UserCount returns how many user events were recorded.
func (r *Recorder) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Users)
}

// LastUser returns the most recent user event, or a zero value.
func (r *Recorder) LastUser() User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Users) == 0 {
		return User{}
	}
	return r.Users[len(r.Users)-1]
}

// ChatCount returns how many chat events were recorded.
func (r *Recorder) ChatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Chats)
}

// ChannelCount returns how many channel events were recorded.
func (r *Recorder) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Channels)
}
