package web

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docbox/internal/browser"
	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/retry"
	"github.com/fruitsalade/docbox/pkg/tree"
)

const cookieName = "docbox_session"

// backend fakes the document-management REST API.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 16)
		if r.FormValue("pass") != "secret" {
			reply(w, `{"success":false,"message":"Login failed","data":""}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: client.DefaultSessionCookie, Value: "s1", Path: "/"})
		reply(w, `{"success":true,"data":{"type":"user","id":1,"name":"Admin","login":"admin"}}`)
	})
	mux.HandleFunc("GET /logout", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":true,"data":""}`)
	})
	mux.HandleFunc("GET /account", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":true,"data":{"type":"user","id":1,"name":"Admin","login":"admin"}}`)
	})
	mux.HandleFunc("GET /folder/1/children", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":true,"message":"","data":[
			{"type":"folder","id":2,"name":"A"},
			{"type":"document","id":3,"name":"f.txt","mimetype":"text/plain","version":1}]}`)
	})
	mux.HandleFunc("GET /folder/1/path", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":true,"data":[{"id":1,"name":"DMS"}]}`)
	})
	mux.HandleFunc("DELETE /document/3", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":false,"message":"locked","data":null}`)
	})
	mux.HandleFunc("GET /document/3", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"success":true,"data":{"type":"document","id":3,"name":"f.txt","mimetype":"text/plain","version":1}}`)
	})
	mux.HandleFunc("POST /folder/1/document", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			reply(w, `{"success":false,"message":"bad upload","data":null}`)
			return
		}
		reply(w, `{"success":true,"message":"","data":{"type":"document","id":9,"name":"`+r.FormValue("docname")+`"}}`)
	})
	mux.HandleFunc("GET /document/3/content", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hello")
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

type testEnv struct {
	server   *httptest.Server
	sessions *Sessions
	http     *http.Client
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	be := backend(t)
	gw, err := client.New(client.Config{
		BaseURL:     be.URL,
		RetryConfig: retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)

	bc := events.NewBroadcaster()
	b := browser.New(gw, cache.Default(browser.CacheEvents(bc)), tree.New(), browser.Options{Events: bc})
	t.Cleanup(b.Close)

	sessions := NewSessions(cookieName, "test-secret", time.Hour)
	srv := NewServer(b, sessions, bc, Options{AllowedOrigins: []string{"http://localhost:3000"}})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   ts,
		sessions: sessions,
		http: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := e.http.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	form := url.Values{"user": {"admin"}, "pass": {"secret"}}
	resp := e.do(t, http.MethodPost, "/login", strings.NewReader(form.Encode()), nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func decode(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()
	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGate(t *testing.T) {
	env := newEnv(t)

	resp := env.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/folder/2", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/account", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, decode(t, resp).Success)

	for _, p := range []string{"/static/app.css", "/healthz", "/login"} {
		resp = env.do(t, http.MethodGet, p, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}

	forged := &http.Cookie{Name: cookieName, Value: "not-a-token"}
	resp = env.do(t, http.MethodGet, "/", nil, forged)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	env := newEnv(t)

	form := url.Values{"user": {"admin"}, "pass": {"wrong"}}
	resp := env.do(t, http.MethodPost, "/login", strings.NewReader(form.Encode()), nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/login?error=Login+failed")

	cookie := env.login(t)

	resp = env.do(t, http.MethodGet, "/login", nil, cookie)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp = env.do(t, http.MethodGet, "/", nil, cookie)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/account", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.True(t, out.Success)

	resp = env.do(t, http.MethodGet, "/logout", nil, cookie)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == cookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}

func TestFolderAndTreeRoutes(t *testing.T) {
	env := newEnv(t)
	cookie := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/folder/1", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Data browser.FolderView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "DMS", view.Data.Folder.Name)
	require.Len(t, view.Data.Folders, 1)
	require.Len(t, view.Data.Documents, 1)

	resp = env.do(t, http.MethodPost, "/api/tree/1/expand", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tree", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tv struct {
		Data tree.View `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tv))
	assert.True(t, tv.Data.Expanded)
	assert.Len(t, tv.Data.Children, 2)

	resp = env.do(t, http.MethodGet, "/api/folder/abc", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteFailureShowsServerMessage(t *testing.T) {
	env := newEnv(t)
	cookie := env.login(t)

	env.do(t, http.MethodPost, "/api/tree/1/expand", nil, cookie)

	resp := env.do(t, http.MethodDelete, "/api/document/3", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.False(t, out.Success)
	assert.Equal(t, "locked", out.Message)

	resp = env.do(t, http.MethodGet, "/api/tree", nil, cookie)
	var tv struct {
		Data tree.View `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tv))
	require.Len(t, tv.Data.Children, 2)
	assert.Equal(t, "f.txt", tv.Data.Children[1].Name)
}

func TestContentRoute(t *testing.T) {
	env := newEnv(t)
	cookie := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/document/3/content", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestSessions(t *testing.T) {
	s := NewSessions(cookieName, "", time.Hour)
	rec := httptest.NewRecorder()
	require.NoError(t, s.Issue(rec, "admin"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	claims, err := s.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Login)

	// Another process has another random secret.
	other := NewSessions(cookieName, "", time.Hour)
	_, err = other.Verify(req)
	assert.Error(t, err)

	expired := NewSessions(cookieName, "k", -time.Minute)
	rec = httptest.NewRecorder()
	require.NoError(t, expired.Issue(rec, "admin"))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	_, err = expired.Verify(req)
	assert.Error(t, err)

	_, err = s.Verify(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUploadRoute(t *testing.T) {
	env := newEnv(t)
	cookie := env.login(t)

	upload := func(withSize bool) *http.Response {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("name", "report")
		if withSize {
			mw.WriteField("size", "5")
		}
		fw, err := mw.CreateFormFile("file", "report.txt")
		require.NoError(t, err)
		io.WriteString(fw, "hello")
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/folder/1/document", &body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.AddCookie(cookie)
		resp, err := env.http.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := upload(false)
	assert.Equal(t, http.StatusLengthRequired, resp.StatusCode)

	resp = upload(true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	require.True(t, out.Success, out.Message)
	node, ok := out.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "report", node["name"])
}
