package relay

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// signatureFreshness bounds the auth timestamp skew in either direction.
const signatureFreshness = 5 * time.Minute

var ErrTokenInvalid = errors.New("token invalid")

// RegisteredServer is one home agent registration under a user.
type RegisteredServer struct {
	ID           string    `json:"serverId"`
	Name         string    `json:"serverName"`
	PublicKey    string    `json:"publicKey"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

// Verifier resolves bearer tokens to users and manages server registrations.
// A nil Verifier on the Server means development mode: unowned agents only.
type Verifier interface {
	// VerifyToken returns the user id and their registered servers, or
	// ErrTokenInvalid.
	VerifyToken(ctx context.Context, token string) (string, []RegisteredServer, error)
	RegisterServer(ctx context.Context, userID, name, publicKey string) (*RegisteredServer, error)
	UpdateLastSeen(ctx context.Context, userID, serverID string) error
	RemoveServer(ctx context.Context, userID, serverID string) (bool, error)
}

// VerifySignature checks an Ed25519 signature over "serverId:timestamp"
// with the freshness window applied on both sides.
func VerifySignature(serverID string, timestamp int64, signature, publicKey string) bool {
	skew := time.Since(time.Unix(timestamp, 0))
	if skew > signatureFreshness || skew < -signatureFreshness {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	msg := fmt.Sprintf("%s:%d", serverID, timestamp)
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig)
}

const identitySchema = `
CREATE TABLE IF NOT EXISTS servers (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    name          TEXT NOT NULL,
    public_key    TEXT NOT NULL,
    registered_at INTEGER NOT NULL,
    last_seen     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_servers_user ON servers(user_id);
`

// SQLiteVerifier verifies HS256 bearer tokens and keeps registrations in a
// local database.
type SQLiteVerifier struct {
	db     *sql.DB
	secret []byte
}

func OpenVerifier(dsn string, jwtSecret []byte) (*SQLiteVerifier, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	if _, err := db.Exec(identitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &SQLiteVerifier{db: db, secret: jwtSecret}, nil
}

func (v *SQLiteVerifier) Close() error { return v.db.Close() }

// MintToken issues a bearer token for a user. Used by operator tooling and
// tests; production deployments may point users at an external issuer with
// the same secret.
func (v *SQLiteVerifier) MintToken(userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *SQLiteVerifier) VerifyToken(ctx context.Context, token string) (string, []RegisteredServer, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Subject == "" {
		return "", nil, ErrTokenInvalid
	}

	servers, err := v.serversFor(ctx, claims.Subject)
	if err != nil {
		return "", nil, err
	}
	return claims.Subject, servers, nil
}

func (v *SQLiteVerifier) serversFor(ctx context.Context, userID string) ([]RegisteredServer, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, name, public_key, registered_at, last_seen FROM servers WHERE user_id = ? ORDER BY registered_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegisteredServer
	for rows.Next() {
		var s RegisteredServer
		var registeredAt int64
		var lastSeen sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Name, &s.PublicKey, &registeredAt, &lastSeen); err != nil {
			return nil, err
		}
		s.RegisteredAt = time.Unix(registeredAt, 0)
		if lastSeen.Valid {
			s.LastSeen = time.Unix(lastSeen.Int64, 0)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RegisterServer creates a registration, or returns the existing one when
// the user already registered this name.
func (v *SQLiteVerifier) RegisterServer(ctx context.Context, userID, name, publicKey string) (*RegisteredServer, error) {
	var existing RegisteredServer
	var registeredAt int64
	err := v.db.QueryRowContext(ctx,
		`SELECT id, name, public_key, registered_at FROM servers WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&existing.ID, &existing.Name, &existing.PublicKey, &registeredAt)
	if err == nil {
		existing.RegisteredAt = time.Unix(registeredAt, 0)
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	s := RegisteredServer{
		ID:           uuid.New().String(),
		Name:         name,
		PublicKey:    publicKey,
		RegisteredAt: time.Now(),
	}
	_, err = v.db.ExecContext(ctx,
		`INSERT INTO servers (id, user_id, name, public_key, registered_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, userID, s.Name, s.PublicKey, s.RegisteredAt.Unix())
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (v *SQLiteVerifier) UpdateLastSeen(ctx context.Context, userID, serverID string) error {
	_, err := v.db.ExecContext(ctx,
		`UPDATE servers SET last_seen = ? WHERE user_id = ? AND id = ?`,
		time.Now().Unix(), userID, serverID)
	return err
}

func (v *SQLiteVerifier) RemoveServer(ctx context.Context, userID, serverID string) (bool, error) {
	res, err := v.db.ExecContext(ctx,
		`DELETE FROM servers WHERE user_id = ? AND id = ?`, userID, serverID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LookupServer finds a registration by server id alone, for the signed
// tunnel handshake where no bearer token is present.
func (v *SQLiteVerifier) LookupServer(ctx context.Context, serverID string) (userID string, s *RegisteredServer, err error) {
	var out RegisteredServer
	var registeredAt int64
	err = v.db.QueryRowContext(ctx,
		`SELECT user_id, id, name, public_key, registered_at FROM servers WHERE id = ?`,
		serverID).Scan(&userID, &out.ID, &out.Name, &out.PublicKey, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	out.RegisteredAt = time.Unix(registeredAt, 0)
	return userID, &out, nil
}
