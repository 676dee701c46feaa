// Package gate decides whether a login attempt may use the query page.
//
// Information Hiding:
// - Credential comparison is constant-time and never exposes the stored password
// - Callers see only the three-valued State
package gate

import (
	"crypto/sha256"
	"crypto/subtle"
)

// State is the outcome of a login check.
type State int

const (
	// Unsubmitted means at least one field is empty, so nothing was tried.
	Unsubmitted State = iota
	// Authenticated means both fields matched exactly.
	Authenticated
	// Rejected means both fields were given but did not match.
	Rejected
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unsubmitted"
	}
}

// Credentials is the single accepted username and password pair.
type Credentials struct {
	Username string
	Password string
}

// DefaultCredentials are used when none are configured.
var DefaultCredentials = Credentials{Username: "admin", Password: "1234"}

// Gate checks login attempts against fixed credentials.
// Safe for concurrent use; it holds no mutable state.
type Gate struct {
	username [sha256.Size]byte
	password [sha256.Size]byte
	defaults bool
}

// New creates a gate. Empty fields fall back to DefaultCredentials.
func New(creds Credentials) *Gate {
	if creds.Username == "" {
		creds.Username = DefaultCredentials.Username
	}
	if creds.Password == "" {
		creds.Password = DefaultCredentials.Password
	}
	return &Gate{
		username: sha256.Sum256([]byte(creds.Username)),
		password: sha256.Sum256([]byte(creds.Password)),
		defaults: creds == DefaultCredentials,
	}
}

// Check classifies a login attempt. Matching is exact: no trimming and no
// case folding.
func (g *Gate) Check(username, password string) State {
	if username == "" || password == "" {
		return Unsubmitted
	}

	u := sha256.Sum256([]byte(username))
	p := sha256.Sum256([]byte(password))
	userOK := subtle.ConstantTimeCompare(u[:], g.username[:])
	passOK := subtle.ConstantTimeCompare(p[:], g.password[:])
	if userOK&passOK == 1 {
		return Authenticated
	}
	return Rejected
}

// UsesDefaults reports whether the gate accepts the built-in credentials.
func (g *Gate) UsesDefaults() bool {
	return g.defaults
}
