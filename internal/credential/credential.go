// Package credential reads the platform access tokens owned by the
// account-connection flow. It never writes tokens.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"autopost/internal/item"
)

var (
	ErrNotConnected      = errors.New("platform account not connected")
	ErrCredentialExpired = errors.New("platform credential expired")
)

// Credential is an owner's platform access token.
type Credential struct {
	OwnerID     string
	AccessToken string
	ExpiresAt   time.Time
	Connected   bool
}

// Validate reports why c cannot be used at now, or nil.
func (c Credential) Validate(now time.Time) error {
	if !c.Connected || c.AccessToken == "" {
		return ErrNotConnected
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return ErrCredentialExpired
	}
	return nil
}

// Store resolves an owner's credential. A missing credential is returned as a
// zero Credential (not connected), not an error.
type Store interface {
	Get(ctx context.Context, ownerID string) (Credential, error)
}

// SQL reads the credentials table of the shared database.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL { return &SQL{db: db} }

func (s *SQL) Get(ctx context.Context, ownerID string) (Credential, error) {
	var (
		c         = Credential{OwnerID: ownerID}
		expiresMS int64
		connected int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, expires_at, connected FROM credentials WHERE owner_id = ?`, ownerID,
	).Scan(&c.AccessToken, &expiresMS, &connected)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{OwnerID: ownerID}, nil
	}
	if err != nil {
		return Credential{}, item.Unavailable("get credential", err)
	}
	c.Connected = connected != 0
	if expiresMS > 0 {
		c.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	}
	return c, nil
}

// Put upserts a credential. Used by tooling and tests; the pipeline only reads.
func (s *SQL) Put(ctx context.Context, c Credential) error {
	connected := 0
	if c.Connected {
		connected = 1
	}
	var expires int64
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(owner_id, access_token, expires_at, connected) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET access_token=excluded.access_token, expires_at=excluded.expires_at, connected=excluded.connected`,
		c.OwnerID, c.AccessToken, expires, connected)
	if err != nil {
		return item.Unavailable("put credential", err)
	}
	return nil
}

// Static is an in-memory Store.
type Static struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewStatic(creds ...Credential) *Static {
	s := &Static{creds: map[string]Credential{}}
	for _, c := range creds {
		s.creds[c.OwnerID] = c
	}
	return s
}

func (s *Static) Get(_ context.Context, ownerID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[ownerID]
	if !ok {
		return Credential{OwnerID: ownerID}, nil
	}
	return c, nil
}

func (s *Static) Put(c Credential) {
	s.mu.Lock()
	s.creds[c.OwnerID] = c
	s.mu.Unlock()
}
