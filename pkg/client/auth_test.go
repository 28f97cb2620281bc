package client

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginKeepsSessionCookie(t *testing.T) {
	var accountCookie string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, r.ParseMultipartForm(1<<16))
			if r.FormValue("user") != "alice" || r.FormValue("pass") != "secret" {
				writeJSON(w, http.StatusOK, `{"success":false,"message":"Login failed","data":""}`)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: DefaultSessionCookie, Value: "abc123", Path: "/"})
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"type":"user","id":"9","name":"Alice","login":"alice","role":{"id":"0","name":"user"},"isadmin":false}}`)
		case "/account":
			if ck, err := r.Cookie(DefaultSessionCookie); err == nil {
				accountCookie = ck.Value
			}
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"type":"user","id":9,"name":"Alice","login":"alice"}}`)
		case "/logout":
			writeJSON(w, http.StatusOK, `{"success":true,"data":""}`)
		}
	}))
	ctx := context.Background()

	bad, err := c.Login(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, bad.Success)
	assert.Equal(t, "Login failed", bad.Message)
	_, ok := c.SessionCookie()
	assert.False(t, ok)

	res, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, int64(9), res.Data.ID)
	assert.Equal(t, "alice", res.Data.Login)
	assert.Equal(t, "user", res.Data.Role.Name)

	cookie, ok := c.SessionCookie()
	require.True(t, ok)
	assert.Equal(t, "abc123", cookie)

	acct, err := c.Account(ctx)
	require.NoError(t, err)
	require.True(t, acct.Success)
	assert.Equal(t, "abc123", accountCookie)

	out, err := c.Logout(ctx)
	require.NoError(t, err)
	assert.True(t, out.Success)
	_, ok = c.SessionCookie()
	assert.False(t, ok)
}

func TestRestoreSession(t *testing.T) {
	c := testClient(t, http.NotFoundHandler())

	assert.False(t, c.RestoreSession(nil))
	assert.False(t, c.RestoreSession(&SessionFile{Server: "http://elsewhere", Cookie: "x"}))
	assert.True(t, c.RestoreSession(&SessionFile{Server: c.BaseURL(), Cookie: "x"}))

	cookie, ok := c.SessionCookie()
	require.True(t, ok)
	assert.Equal(t, "x", cookie)
}

func TestSessionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	t.Setenv(SessionFileEnv, path)
	assert.Equal(t, path, SessionFilePath())

	_, err := LoadSession()
	require.Error(t, err)

	require.NoError(t, SaveSession(&SessionFile{Server: "http://dms", Username: "alice", Cookie: "abc"}))
	sf, err := LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "alice", sf.Username)
	assert.Equal(t, "abc", sf.Cookie)
	assert.False(t, sf.SavedAt.IsZero())

	require.NoError(t, DeleteSession())
	require.NoError(t, DeleteSession())
	_, err = LoadSession()
	require.Error(t, err)
}
