package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
)

// SessionFileEnv overrides the session file location.
const SessionFileEnv = "DOCBOX_SESSION_FILE"

// SessionFile holds a saved backend session.
type SessionFile struct {
	Server   string    `json:"server"`
	Username string    `json:"username"`
	Cookie   string    `json:"cookie"`
	SavedAt  time.Time `json:"saved_at"`
}

func decodeUser(env protocol.Envelope) (*models.User, error) {
	if !env.HasData() {
		return nil, nil
	}
	var w protocol.WireUser
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return nil, err
	}
	u := w.User()
	return &u, nil
}

// Login authenticates with the backend. On success the session cookie is
// kept in the client's cookie jar.
func (c *Client) Login(ctx context.Context, username, password string) (protocol.Result[*models.User], error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("user", username)
	w.WriteField("pass", password)
	if err := w.Close(); err != nil {
		return protocol.Result[*models.User]{}, err
	}
	body := buf.Bytes()

	res, err := invoke(ctx, c, request{
		op:          "login",
		method:      http.MethodPost,
		path:        "/login",
		body:        func() (io.Reader, error) { return bytes.NewReader(body), nil },
		contentType: w.FormDataContentType(),
	}, decodeUser)
	metrics.RecordAuthAttempt(err == nil && res.Success)
	if err == nil && res.Success {
		logging.Info("logged in", zap.String("server", c.baseURL), zap.String("user", username))
	}
	return res, err
}

// Logout ends the backend session and forgets the local cookie either way.
func (c *Client) Logout(ctx context.Context) (protocol.Result[struct{}], error) {
	res, err := invoke(ctx, c, request{
		op:     "logout",
		method: http.MethodGet,
		path:   "/logout",
	}, noData)
	c.clearSession()
	return res, err
}

// Account returns the account of the current session.
func (c *Client) Account(ctx context.Context) (protocol.Result[*models.User], error) {
	return invoke(ctx, c, request{
		op:         "account",
		method:     http.MethodGet,
		path:       "/account",
		idempotent: true,
	}, decodeUser)
}

// SessionCookie returns the current backend session cookie value.
func (c *Client) SessionCookie() (string, bool) {
	for _, ck := range c.httpClient.Jar.Cookies(c.base) {
		if ck.Name == c.cookieName && ck.Value != "" {
			return ck.Value, true
		}
	}
	return "", false
}

// SetSessionCookie installs a session cookie, e.g. one restored from disk.
func (c *Client) SetSessionCookie(value string) {
	c.httpClient.Jar.SetCookies(c.base, []*http.Cookie{{
		Name:  c.cookieName,
		Value: value,
		Path:  "/",
	}})
}

func (c *Client) clearSession() {
	c.httpClient.Jar.SetCookies(c.base, []*http.Cookie{{
		Name:   c.cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}

// RestoreSession installs the cookie from a saved session file if it was
// saved for this server.
func (c *Client) RestoreSession(sf *SessionFile) bool {
	if sf == nil || sf.Cookie == "" || sf.Server != c.baseURL {
		return false
	}
	c.SetSessionCookie(sf.Cookie)
	return true
}

// SessionFilePath returns the default path for the session file.
func SessionFilePath() string {
	if p := os.Getenv(SessionFileEnv); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "docbox", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "docbox", "session.json")
}

// SaveSession saves a session file to the default location.
func SaveSession(sf *SessionFile) error {
	path := SessionFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if sf.SavedAt.IsZero() {
		sf.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession loads the session file from the default location.
func LoadSession() (*SessionFile, error) {
	data, err := os.ReadFile(SessionFilePath())
	if err != nil {
		return nil, err
	}
	var sf SessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// DeleteSession removes the saved session file.
func DeleteSession() error {
	err := os.Remove(SessionFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
