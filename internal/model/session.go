package model

// A collaborative editing session
type Session struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Language       string `json:"language"`
	Users          []User `json:"users"`
	CreatedAt      int64  `json:"createdAt"`
	LastModifiedBy string `json:"lastModifiedBy,omitempty"`
}

// A participant in a session
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Color        string `json:"color"`
	IsTyping     bool   `json:"isTyping"`
	LastActivity int64  `json:"lastActivity"`
}

// Clone returns a deep copy. Users is never nil so it encodes as [].
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Users = make([]User, len(s.Users))
	copy(c.Users, s.Users)
	return &c
}

// FindUser returns the index of the user with the given id, or -1.
func (s *Session) FindUser(userID string) int {
	for i, u := range s.Users {
		if u.ID == userID {
			return i
		}
	}
	return -1
}

// LastActive is the most recent of the creation time and any member's activity.
func (s *Session) LastActive() int64 {
	latest := s.CreatedAt
	for _, u := range s.Users {
		if u.LastActivity > latest {
			latest = u.LastActivity
		}
	}
	return latest
}

// SessionPatch lists the mutable session fields. Nil members are left alone.
type SessionPatch struct {
	Code           *string
	Language       *string
	CreatedAt      *int64
	LastModifiedBy *string
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Code == nil && p.Language == nil && p.CreatedAt == nil && p.LastModifiedBy == nil
}

// Apply writes the present fields onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.Code != nil {
		s.Code = *p.Code
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.CreatedAt != nil {
		s.CreatedAt = *p.CreatedAt
	}
	if p.LastModifiedBy != nil {
		s.LastModifiedBy = *p.LastModifiedBy
	}
}

// UserPatch lists the mutable user fields. Nil members are left alone.
type UserPatch struct {
	Username     *string
	Color        *string
	IsTyping     *bool
	LastActivity *int64
}

func (p UserPatch) Empty() bool {
	return p.Username == nil && p.Color == nil && p.IsTyping == nil && p.LastActivity == nil
}

func (p UserPatch) Apply(u *User) {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.Color != nil {
		u.Color = *p.Color
	}
	if p.IsTyping != nil {
		u.IsTyping = *p.IsTyping
	}
	if p.LastActivity != nil {
		u.LastActivity = *p.LastActivity
	}
}
