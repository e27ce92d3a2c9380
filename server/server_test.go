package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bozaro/git-as-svn/auth"
	"github.com/bozaro/git-as-svn/gitdb"
	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/protocol/svndiff"
	"github.com/bozaro/git-as-svn/repository"
)

const testUUID = "13f79535-47bb-0310-9956-ffa450edef68"

// testServer seeds a repository and serves sessions over in-memory pipes.
type testServer struct {
	srv   *Server
	store gitdb.Store
	tip   gitdb.Hash
	seq   int
	t     *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := gitdb.NewBadgerStore(db)
	log := zaptest.NewLogger(t)

	ts := &testServer{store: store, t: t}
	ts.commit(map[string]string{}) // revision 0

	repo, err := repository.New(store, db, log, repository.Options{
		Name:            "test",
		UUID:            testUUID,
		Branches:        []string{"master"},
		RenameDetection: true,
	})
	require.NoError(t, err)

	userDB := auth.NewStaticUserDB()
	userDB.Add("alice", "secret", "alice@example.com", "Alice")
	userDB.Add("bob", "hunter2", "bob@example.com", "Bob")

	ts.srv = New(log, userDB, []RepositoryEntry{
		{Prefix: "test", Repo: repo, AnonymousRead: true},
	}, Options{Realm: "test realm", Compression: true, ShutdownGrace: time.Second})
	return ts
}

// commit writes a snapshot commit, as in the repository fixtures.
func (ts *testServer) commit(files map[string]string) {
	ts.t.Helper()
	ins := ts.store.NewInserter()

	tree := &gitdb.Tree{}
	for name, content := range files {
		id, err := ins.PutBlob([]byte(content))
		require.NoError(ts.t, err)
		tree.Entries = append(tree.Entries, gitdb.TreeEntry{Name: []byte(name), Mode: gitdb.ModeFile, ID: id})
	}
	treeID, err := ins.PutTree(tree)
	require.NoError(ts.t, err)

	ts.seq++
	commit := &gitdb.Commit{
		Tree:      treeID,
		Author:    gitdb.Signature{Name: "seed", Email: "seed@example.com", When: time.Unix(int64(1600000000+ts.seq*60), 0).UTC()},
		Committer: gitdb.Signature{Name: "seed", Email: "seed@example.com", When: time.Unix(int64(1600000000+ts.seq*60), 0).UTC()},
		Message:   "seed\n",
	}
	if !ts.tip.IsZero() {
		commit.Parents = []gitdb.Hash{ts.tip}
	}
	id, err := ins.PutCommit(commit)
	require.NoError(ts.t, err)
	require.NoError(ts.t, ins.Flush())
	require.NoError(ts.t, ts.store.UpdateRef(context.Background(), "refs/heads/master", ts.tip, id))
	ts.tip = id
}

// client is the test-side protocol endpoint.
type client struct {
	t      *testing.T
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
}

// connect opens a session and completes the handshake.
func (ts *testServer) connect(t *testing.T, username, password string) *client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })

	go ts.srv.serveConn(context.Background(), int64(ts.seq), serverConn)

	c := &client{t: t, conn: clientConn, parser: protocol.NewParser(clientConn), writer: protocol.NewWriter(clientConn)}

	// Greeting.
	greeting := c.readItem()
	require.Equal(t, "success", itemWord(greeting, 0))

	// Client info.
	c.writer.ListBegin().Number(2).
		ListBegin().Word("edit-pipeline").Word("svndiff1").Word("depth").Word("absent-entries").ListEnd().
		String("svn://localhost/test").
		ListEnd()
	require.NoError(t, c.writer.Flush())

	// Auth request.
	authReq := c.readItem()
	require.Equal(t, "success", itemWord(authReq, 0))

	if username == "" {
		c.writer.ListBegin().Word("ANONYMOUS").ListBegin().String("anonymous").ListEnd().ListEnd()
	} else {
		token := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
		c.writer.ListBegin().Word("PLAIN").ListBegin().String(token).ListEnd().ListEnd()
	}
	require.NoError(t, c.writer.Flush())

	authReply := c.readItem()
	require.Equal(t, "success", itemWord(authReply, 0))

	announce := c.readItem()
	require.Equal(t, "success", itemWord(announce, 0))
	body := announce.([]any)[1].([]any)
	assert.Equal(t, testUUID, string(body[0].(protocol.Token).Text))

	return c
}

// readItem reads one balanced item as nested []any / protocol.Token values.
func (c *client) readItem() any {
	c.t.Helper()
	tok, err := c.parser.ReadToken()
	require.NoError(c.t, err)
	return c.finishItem(tok)
}

func (c *client) finishItem(tok protocol.Token) any {
	c.t.Helper()
	if tok.Kind != protocol.TokenListBegin {
		return tok
	}
	var list []any
	for {
		next, err := c.parser.ReadToken()
		require.NoError(c.t, err)
		if next.Kind == protocol.TokenListEnd {
			return list
		}
		list = append(list, c.finishItem(next))
	}
}

// itemWord returns the n-th element of a list item when it is a word.
func itemWord(item any, n int) string {
	list, ok := item.([]any)
	if !ok || n >= len(list) {
		return ""
	}
	tok, ok := list[n].(protocol.Token)
	if !ok || tok.Kind != protocol.TokenWord {
		return ""
	}
	return string(tok.Text)
}

func (c *client) send(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

func TestCheckPathOnEmptyRepository(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t, "", "")

	c.send("( check-path ( 0: ( ) ) ) ")
	reply := c.readItem()
	require.Equal(t, "success", itemWord(reply, 0))
	assert.Equal(t, "dir", itemWord(reply.([]any)[1], 0))
}

func TestGetLatestRevOnEmptyRepository(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t, "", "")

	c.send("( get-latest-rev ( ) ) ")
	reply := c.readItem()
	require.Equal(t, "success", itemWord(reply, 0))
	rev := reply.([]any)[1].([]any)[0].(protocol.Token)
	assert.Equal(t, 0, rev.Number)
}

func TestUpdateFull(t *testing.T) {
	ts := newTestServer(t)
	ts.commit(map[string]string{"README": "hello\n"})
	c := ts.connect(t, "", "")

	// update to revision 1, starting from an empty working copy.
	c.send("( update ( ( 1 ) 0: true ) ) ")
	c.send("( set-path ( 0: 0 true ( ) infinity ) ) ")
	c.send("( finish-report ( ) ) ")

	// Auth request precedes the edit stream.
	authReq := c.readItem()
	require.Equal(t, "success", itemWord(authReq, 0))

	var commands []any
	for {
		item := c.readItem()
		commands = append(commands, item)
		if itemWord(item, 0) == "close-edit" {
			break
		}
	}

	var names []string
	for _, cmd := range commands {
		names = append(names, itemWord(cmd, 0))
	}
	assert.Equal(t, "target-rev", names[0])
	assert.Equal(t, "open-root", names[1])
	assert.Contains(t, names, "add-file")
	assert.Contains(t, names, "apply-textdelta")
	assert.Contains(t, names, "textdelta-end")
	assert.Contains(t, names, "close-file")
	assert.Contains(t, names, "close-dir")
	assert.Equal(t, "close-edit", names[len(names)-1])

	// The add-file carries the README path, and close-file its md5.
	var deltaChunks [][]byte
	for _, cmd := range commands {
		args := cmd.([]any)[1].([]any)
		switch itemWord(cmd, 0) {
		case "add-file":
			assert.Equal(t, "README", string(args[0].(protocol.Token).Text))
		case "change-file-prop":
			if string(args[1].(protocol.Token).Text) == "svn:entry:committed-rev" {
				value := args[2].([]any)[0].(protocol.Token)
				assert.Equal(t, "1", string(value.Text))
			}
		case "textdelta-chunk":
			deltaChunks = append(deltaChunks, args[1].(protocol.Token).Text)
		case "close-file":
			md5Item := args[1].([]any)[0].(protocol.Token)
			assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", string(md5Item.Text))
		}
	}

	// Applying the delta against the empty stream yields the content.
	var out bytes.Buffer
	app := svndiff.NewApplier(bytes.NewReader(nil), &out)
	for _, chunk := range deltaChunks {
		require.NoError(t, app.Write(chunk))
	}
	require.NoError(t, app.Close())
	assert.Equal(t, "hello\n", out.String())

	// Confirm the edit.
	c.send("( success ( ) ) ")
	final := c.readItem()
	assert.Equal(t, "success", itemWord(final, 0))
}

func TestUpdateIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.commit(map[string]string{"README": "hello\n"})
	c := ts.connect(t, "", "")

	// update 1 -> 1 with an accurate report: only root open and close.
	c.send("( update ( ( 1 ) 0: true ) ) ")
	c.send("( set-path ( 0: 1 false ( ) infinity ) ) ")
	c.send("( finish-report ( ) ) ")

	authReq := c.readItem()
	require.Equal(t, "success", itemWord(authReq, 0))

	var names []string
	for {
		item := c.readItem()
		names = append(names, itemWord(item, 0))
		if itemWord(item, 0) == "close-edit" {
			break
		}
	}
	assert.NotContains(t, names, "add-file")
	assert.NotContains(t, names, "open-file")
	assert.NotContains(t, names, "delete-entry")

	c.send("( success ( ) ) ")
	final := c.readItem()
	assert.Equal(t, "success", itemWord(final, 0))
}

func TestCommitRoundTripOverProtocol(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t, "alice", "secret")

	// commit with log message, no locks.
	c.send("( commit ( 8:add file ( ) false ( ) ) ) ")
	ack := c.readItem()
	require.Equal(t, "success", itemWord(ack, 0))

	// Editor stream: add /foo with content "x".
	var delta bytes.Buffer
	enc := svndiff.NewEncoder(svndiff.Version0, func(chunk []byte) error {
		delta.Write(chunk)
		return nil
	})
	require.NoError(t, enc.Encode(nil, []byte("x")))

	c.send("( open-root ( ( ) 4:root ) ) ")
	c.send("( add-file ( 3:foo 4:root 2:f1 ( ) ) ) ")
	c.send("( apply-textdelta ( 2:f1 ( ) ) ) ")
	c.writer.ListBegin().Word("textdelta-chunk").ListBegin().String("f1").Binary(delta.Bytes()).ListEnd().ListEnd()
	require.NoError(t, c.writer.Flush())
	c.send("( textdelta-end ( 2:f1 ) ) ")
	c.send("( close-file ( 2:f1 ( 32:9dd4e461268c8034f5c8564e155c67a6 ) ) ) ")
	c.send("( close-edit ( ) ) ")

	closeAck := c.readItem()
	require.Equal(t, "success", itemWord(closeAck, 0))
	info := c.readItem()
	require.Equal(t, "success", itemWord(info, 0))
	body := info.([]any)[1].([]any)
	assert.Equal(t, 1, body[0].(protocol.Token).Number)

	// get-file returns the committed bytes and checksum.
	c.send("( get-file ( 3:foo ( 1 ) true true ) ) ")
	fileReply := c.readItem()
	require.Equal(t, "success", itemWord(fileReply, 0))
	replyBody := fileReply.([]any)[1].([]any)
	digest := replyBody[0].([]any)[0].(protocol.Token)
	assert.Equal(t, "9dd4e461268c8034f5c8564e155c67a6", string(digest.Text))

	var content []byte
	for {
		chunk := c.readItem().(protocol.Token)
		if len(chunk.Text) == 0 {
			break
		}
		content = append(content, chunk.Text...)
	}
	assert.Equal(t, []byte("x"), content)

	trailer := c.readItem()
	assert.Equal(t, "success", itemWord(trailer, 0))
}

func TestLockContentionOverProtocol(t *testing.T) {
	ts := newTestServer(t)
	ts.commit(map[string]string{"a": "content"})

	alice := ts.connect(t, "alice", "secret")
	alice.send("( lock ( 1:a ( ) false ( 1 ) ) ) ")
	reply := alice.readItem()
	require.Equal(t, "success", itemWord(reply, 0))
	lockBody := reply.([]any)[1].([]any)[0].([]any)
	aliceToken := string(lockBody[1].(protocol.Token).Text)
	assert.NotEmpty(t, aliceToken)

	// Bob without steal fails with FS_PATH_ALREADY_LOCKED.
	bob := ts.connect(t, "bob", "hunter2")
	bob.send("( lock ( 1:a ( ) false ( 1 ) ) ) ")
	failure := bob.readItem()
	require.Equal(t, "failure", itemWord(failure, 0))
	errRecord := failure.([]any)[1].([]any)[0].([]any)
	assert.Equal(t, protocol.CodeFsPathAlreadyLocked, errRecord[0].(protocol.Token).Number)

	// With steal the lock moves and the old token is invalidated.
	bob.send("( lock ( 1:a ( ) true ( 1 ) ) ) ")
	stolen := bob.readItem()
	require.Equal(t, "success", itemWord(stolen, 0))
	stolenBody := stolen.([]any)[1].([]any)[0].([]any)
	bobToken := string(stolenBody[1].(protocol.Token).Text)
	assert.NotEqual(t, aliceToken, bobToken)

	aliceUnlock := fmt.Sprintf("( unlock ( 1:a ( %d:%s ) false ) ) ", len(aliceToken), aliceToken)
	alice.send(aliceUnlock)
	unlockReply := alice.readItem()
	assert.Equal(t, "failure", itemWord(unlockReply, 0))
}

func TestGetLocationSegmentsAcrossRename(t *testing.T) {
	ts := newTestServer(t)
	ts.commit(map[string]string{"a": "identical content\n"}) // r1
	ts.commit(map[string]string{"b": "identical content\n"}) // r2: rename
	c := ts.connect(t, "", "")

	c.send("( get-location-segments ( 1:b ( 2 ) ( 2 ) ( 0 ) ) ) ")

	var segments [][]any
	for {
		item := c.readItem()
		if tok, ok := item.(protocol.Token); ok && tok.IsWord("done") {
			break
		}
		segments = append(segments, item.([]any))
	}
	final := c.readItem()
	require.Equal(t, "success", itemWord(final, 0))

	// The pre-rename history surfaces under the old name.
	require.Len(t, segments, 2)
	assert.Equal(t, 2, segments[0][0].(protocol.Token).Number)
	assert.Equal(t, 2, segments[0][1].(protocol.Token).Number)
	assert.Equal(t, "b", string(segments[0][2].([]any)[0].(protocol.Token).Text))
	assert.Equal(t, 1, segments[1][0].(protocol.Token).Number)
	assert.Equal(t, 1, segments[1][1].(protocol.Token).Number)
	assert.Equal(t, "a", string(segments[1][2].([]any)[0].(protocol.Token).Text))
}

func TestUnknownCommandKeepsSession(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t, "", "")

	c.send("( made-up-command ( 1:x 42 ( nested ) ) ) ")
	failure := c.readItem()
	require.Equal(t, "failure", itemWord(failure, 0))
	errRecord := failure.([]any)[1].([]any)[0].([]any)
	assert.Equal(t, protocol.CodeRaSvnUnknownCmd, errRecord[0].(protocol.Token).Number)

	// The session survives and keeps answering.
	c.send("( get-latest-rev ( ) ) ")
	reply := c.readItem()
	assert.Equal(t, "success", itemWord(reply, 0))
}

func TestAnonymousWriteDenied(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t, "", "")

	c.send("( commit ( 3:msg ( ) false ( ) ) ) ")
	failure := c.readItem()
	require.Equal(t, "failure", itemWord(failure, 0))
	errRecord := failure.([]any)[1].([]any)[0].([]any)
	assert.Equal(t, protocol.CodeRaNotAuthorized, errRecord[0].(protocol.Token).Number)
}
