// Package credentials loads the authenticated browser session shared by the
// probes and the tools that accept a cookie.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/chromedp/cdproto/network"
)

// Cookie is one entry of a browser storage-state export.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageState is the JSON document written by browser automation after a
// login: {"cookies": [...], "origins": [...]}.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
}

// LoadStorageState reads a storage-state file.
func LoadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state %s: %w", path, err)
	}
	return &state, nil
}

// CookieHeader renders "name=value; name2=value2" in file order, skipping
// nameless entries.
func (s *StorageState) CookieHeader() string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// CookieParams converts the session for injection into a browser tab.
func (s *StorageState) CookieParams() []*network.CookieParam {
	if s == nil {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" || c.Domain == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			p.SameSite = network.CookieSameSiteStrict
		case "lax":
			p.SameSite = network.CookieSameSiteLax
		case "none":
			p.SameSite = network.CookieSameSiteNone
		}
		params = append(params, p)
	}
	return params
}

// Session is the loaded session, or an empty one when none is available.
type Session struct {
	state *StorageState
}

// LoadSession never fails: a missing or unreadable file yields an empty
// session and a log line.
func LoadSession(path string, log *logger.Logger) *Session {
	if path == "" {
		return &Session{}
	}
	state, err := LoadStorageState(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debugw("No storage state found, running unauthenticated", "path", path)
		return &Session{}
	case err != nil:
		log.Warnw("Ignoring unreadable storage state", "path", path, "error", err)
		return &Session{}
	}
	log.Infow("Loaded session cookies", "path", path, "count", len(state.Cookies))
	return &Session{state: state}
}

func (s *Session) Cookie() string {
	if s == nil {
		return ""
	}
	return s.state.CookieHeader()
}

func (s *Session) BrowserCookies() []*network.CookieParam {
	if s == nil {
		return nil
	}
	return s.state.CookieParams()
}

func (s *Session) Authenticated() bool {
	return s.Cookie() != ""
}
