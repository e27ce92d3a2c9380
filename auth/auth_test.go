package auth

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozaro/git-as-svn/protocol"
)

func TestStaticUserDB(t *testing.T) {
	db := NewStaticUserDB()
	db.Add("alice", "secret", "alice@example.com", "Alice")

	user, err := db.Check("alice", "secret")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)
	assert.False(t, user.IsAnonymous())

	user, err = db.Check("alice", "wrong")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = db.Check("nobody", "secret")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestPlainAuthenticator(t *testing.T) {
	db := NewStaticUserDB()
	db.Add("alice", "secret", "alice@example.com", "Alice")
	authn := PlainAuthenticator{DB: db}

	token := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	user, err := authn.Authenticate(nil, nil, []byte(token))
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)

	bad := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00nope"))
	user, err = authn.Authenticate(nil, nil, []byte(bad))
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = authn.Authenticate(nil, nil, []byte("not-base64!!"))
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestPlainAuthenticatorStep(t *testing.T) {
	db := NewStaticUserDB()
	db.Add("alice", "secret", "", "")
	authn := PlainAuthenticator{DB: db}

	// Without an initial token the mechanism issues an empty challenge and
	// reads the response.
	token := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	input := bytes.NewBufferString(strconv.Itoa(len(token)) + ":" + token + " ")
	var output bytes.Buffer

	user, err := authn.Authenticate(protocol.NewParser(input), protocol.NewWriter(&output), nil)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)
	assert.Contains(t, output.String(), "step")
}
