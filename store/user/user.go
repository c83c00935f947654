package user

import "context"

// Profile is the display data shown next to a conversation participant.
// Users are owned by the account subsystem; this package only reads them.
type Profile struct {
	ID     string `json:"_id" bson:"_id"`
	Name   string `json:"name" bson:"name"`
	Avatar string `json:"avatar,omitempty" bson:"avatar"`
}

// Post is the subset of a job posting used as conversation context.
type Post struct {
	ID    string `json:"_id" bson:"_id"`
	Title string `json:"title" bson:"title"`
}

// Directory resolves display data for conversation listings. Unknown
// ids are omitted from the result rather than reported as errors.
type Directory interface {
	Profiles(ctx context.Context, ids []string) (map[string]Profile, error)
	Posts(ctx context.Context, ids []string) (map[string]Post, error)
}
