package user

// Ref is a weak reference into the external user store. The room core only
// observes membership; it never mutates identity.
type Ref struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
