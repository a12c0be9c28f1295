package identity

import "context"

// Directory resolves identities. GetByID returns pgx.ErrNoRows for an
// unknown id.
type Directory interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetMany(ctx context.Context, ids []string) (map[string]*User, error)
	Upsert(ctx context.Context, u *User) error
}
