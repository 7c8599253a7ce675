package settlement

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// Session is the on-disk form of the ambient credential: the cookies the
// service handed out for BaseURL plus the last confirmed username.
type Session struct {
	BaseURL  string        `json:"base_url"`
	Cookies  []SavedCookie `json:"cookies"`
	Username string        `json:"username,omitempty"`
}

type SavedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var ErrNoSession = errors.New("no saved session")

func sessionPath(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

// Export captures the client's current cookies for its base URL.
func (c *Client) Export(username string) Session {
	s := Session{BaseURL: c.BaseURL, Username: username}
	u, err := url.Parse(c.BaseURL + "/")
	if err != nil || c.HTTP.Jar == nil {
		return s
	}
	for _, ck := range c.HTTP.Jar.Cookies(u) {
		s.Cookies = append(s.Cookies, SavedCookie{Name: ck.Name, Value: ck.Value})
	}
	return s
}

// Import seeds the jar from a saved session. Sessions saved for a different
// base URL are ignored.
func (c *Client) Import(s Session) bool {
	if s.BaseURL != c.BaseURL || len(s.Cookies) == 0 || c.HTTP.Jar == nil {
		return false
	}
	u, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return false
	}
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for _, ck := range s.Cookies {
		cookies = append(cookies, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
	}
	c.HTTP.Jar.SetCookies(u, cookies)
	return true
}

func SaveSession(dir string, s Session) error {
	path, err := sessionPath(dir)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadSession(dir string) (Session, error) {
	path, err := sessionPath(dir)
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, err
	}
	if len(s.Cookies) == 0 {
		return Session{}, ErrNoSession
	}
	return s, nil
}

func ClearSession(dir string) error {
	path, err := sessionPath(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
