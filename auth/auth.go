// Package auth holds the user database and the protocol authenticators
// negotiated during session setup.
package auth

import (
	"crypto/subtle"
	"encoding/base64"

	"github.com/bozaro/git-as-svn/protocol"
)

// User is an authenticated session principal.
type User struct {
	Name     string
	Email    string
	RealName string
}

// Anonymous is the principal of unauthenticated read-only sessions.
var Anonymous = User{}

// IsAnonymous reports whether the user is the anonymous principal.
func (u User) IsAnonymous() bool {
	return u.Name == ""
}

// UserDB resolves credentials to users. Lookup failures that are not
// credential rejections surface as errors.
type UserDB interface {
	// Check validates a username/password pair, returning nil when the
	// credentials are rejected.
	Check(username, password string) (*User, error)
}

// StaticUserDB is an in-memory user database loaded from configuration.
type StaticUserDB struct {
	users map[string]staticUser
}

type staticUser struct {
	password string
	user     User
}

// NewStaticUserDB builds a database from configured entries.
func NewStaticUserDB() *StaticUserDB {
	return &StaticUserDB{users: make(map[string]staticUser)}
}

// Add registers a user.
func (db *StaticUserDB) Add(username, password, email, realName string) {
	db.users[username] = staticUser{
		password: password,
		user:     User{Name: username, Email: email, RealName: realName},
	}
}

func (db *StaticUserDB) Check(username, password string) (*User, error) {
	entry, ok := db.users[username]
	if !ok {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(entry.password), []byte(password)) != 1 {
		return nil, nil
	}
	user := entry.user
	return &user, nil
}

// Authenticator is one mechanism in the announce list. Authenticate runs
// the mechanism's token exchange and returns the user, or nil on rejection.
type Authenticator interface {
	MechanismName() string
	Authenticate(parser *protocol.Parser, writer *protocol.Writer, initialToken []byte) (*User, error)
}

// PlainAuthenticator implements the PLAIN mechanism: a single base64 token
// carrying \x00username\x00password.
type PlainAuthenticator struct {
	DB UserDB
}

func (PlainAuthenticator) MechanismName() string { return "PLAIN" }

func (a PlainAuthenticator) Authenticate(parser *protocol.Parser, writer *protocol.Writer, initialToken []byte) (*User, error) {
	token := initialToken
	if len(token) == 0 {
		// Ask for the token with an empty challenge.
		writer.ListBegin().Word("step").ListBegin().String("").ListEnd().ListEnd()
		if err := writer.Flush(); err != nil {
			return nil, err
		}
		raw, err := parser.ReadBytes()
		if err != nil {
			return nil, err
		}
		token = raw
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(token)))
	n, err := base64.StdEncoding.Decode(decoded, token)
	if err != nil {
		return nil, nil
	}
	decoded = decoded[:n]

	// authzid \x00 authcid \x00 password
	var parts [][]byte
	start := 0
	for i := 0; i <= len(decoded); i++ {
		if i == len(decoded) || decoded[i] == 0 {
			parts = append(parts, decoded[start:i])
			start = i + 1
		}
	}
	if len(parts) != 3 {
		return nil, nil
	}
	return a.DB.Check(string(parts[1]), string(parts[2]))
}

// AnonymousAuthenticator implements the ANONYMOUS mechanism, admitting the
// anonymous principal when the repository allows unauthenticated reads.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) MechanismName() string { return "ANONYMOUS" }

func (AnonymousAuthenticator) Authenticate(parser *protocol.Parser, writer *protocol.Writer, initialToken []byte) (*User, error) {
	if len(initialToken) == 0 {
		writer.ListBegin().Word("step").ListBegin().String("").ListEnd().ListEnd()
		if err := writer.Flush(); err != nil {
			return nil, err
		}
		if _, err := parser.ReadBytes(); err != nil {
			return nil, err
		}
	}
	user := Anonymous
	return &user, nil
}
