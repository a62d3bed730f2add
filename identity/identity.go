// Package identity defines the resolved caller identity shared by the token
// codec, the auth resolver and the HTTP handlers.
package identity

// Identity is a point-in-time snapshot of a user's attributes. It is a value
// type: refresh it by building a new one, never by mutating a shared copy.
type Identity struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FullName   string `json:"fullName"`
	Tier       string `json:"tier"`
	IsVerified bool   `json:"isVerified"`
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.ID != ""
}

// Reference returns an identity carrying only the user id. It is used when a
// session names a user but the database cannot be consulted.
func Reference(id string) Identity {
	return Identity{ID: id}
}
