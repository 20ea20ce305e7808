package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"sync"
)

// RoomToken authorizes one socket connection to one room. It is short
// lived and must not be reused across rooms or cached beyond a single
// connection attempt.
type RoomToken struct {
	RoomID    int
	FKey      string
	SocketURL string
}

// Identity is the resolved account behind the session.
type Identity struct {
	UserID       int
	APISiteParam string
}

// AuthSession owns the authenticated cookie state. It is the only
// component that mutates it; everything else reads through the shared
// transport.
type AuthSession struct {
	cfg       Config
	transport WebTransport
	logger    Logger
	sites     *siteDirectory

	mu            sync.Mutex // guards login and the fields below
	authenticated bool
	identity      Identity
	resolved      bool
}

func newAuthSession(cfg Config, transport WebTransport, sites *siteDirectory, logger Logger) *AuthSession {
	return &AuthSession{cfg: cfg, transport: transport, sites: sites, logger: logger}
}

var userIDRe = regexp.MustCompile(`/users/(\d+)`)

// Login establishes the cookie session. When the server redirects the
// login page to the home page the session is already authenticated and
// no credentials are submitted. Concurrent calls are serialized.
func (a *AuthSession) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authenticated {
		return nil
	}

	resp, err := a.transport.Do(ctx, Request{
		Method: "GET",
		URL:    a.cfg.SiteURL + "/users/login",
	})
	if err != nil {
		return WrapError(ErrorTransport, "fetch login page", err)
	}
	final, err := url.Parse(resp.FinalURL)
	if err == nil && final.Path == "/" {
		a.logger.Info("already logged in", map[string]any{"site": a.cfg.SiteURL})
		a.authenticated = true
		return nil
	}

	fkey, ok := extractValue(resp.Body, `input[name="fkey"]`)
	if !ok {
		return NewError(ErrorAuth, "login page has no fkey field")
	}

	loginResp, err := a.transport.Do(ctx, Request{
		Method: "POST",
		URL:    a.cfg.SiteURL + "/users/login",
		Form: url.Values{
			"fkey":     {fkey},
			"email":    {a.cfg.Email},
			"password": {a.cfg.Password},
		},
	})
	if err != nil {
		return WrapError(ErrorTransport, "submit login form", err)
	}
	if loginResp.Status >= 400 {
		return NewError(ErrorAuth, fmt.Sprintf("login rejected with status %d", loginResp.Status))
	}
	a.logger.Info("logged in", map[string]any{"site": a.cfg.SiteURL})
	a.authenticated = true
	return nil
}

// Authenticated reports whether Login has succeeded.
func (a *AuthSession) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// ResolveIdentity determines the numeric user id from the current-user
// redirect and the API site parameter from the site directory. Idempotent
// while the directory cache is unchanged.
func (a *AuthSession) ResolveIdentity(ctx context.Context) (Identity, error) {
	a.mu.Lock()
	if !a.authenticated {
		a.mu.Unlock()
		return Identity{}, NewError(ErrorAuth, "resolve identity before login")
	}
	if a.resolved {
		id := a.identity
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	resp, err := a.transport.Do(ctx, Request{
		Method: "GET",
		URL:    a.cfg.SiteURL + "/users/current",
	})
	if err != nil {
		return Identity{}, WrapError(ErrorTransport, "fetch current user", err)
	}
	final, err := url.Parse(resp.FinalURL)
	if err != nil {
		return Identity{}, WrapError(ErrorDecode, "current-user redirect URL", err)
	}
	m := userIDRe.FindStringSubmatch(final.Path)
	if m == nil {
		return Identity{}, NewError(ErrorAuth, "current-user redirect carries no user id: "+final.Path)
	}
	userID, _ := strconv.Atoi(m[1])

	param, err := a.sites.SiteParameter(ctx, a.cfg.SiteURL)
	if err != nil {
		return Identity{}, err
	}

	a.mu.Lock()
	a.identity = Identity{UserID: userID, APISiteParam: param}
	a.resolved = true
	id := a.identity
	a.mu.Unlock()
	a.logger.Info("identity resolved", map[string]any{"user_id": userID, "site_param": param})
	return id, nil
}

// Identity returns the resolved identity, ok=false before ResolveIdentity.
func (a *AuthSession) Identity() (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity, a.resolved
}

// RoomKey scrapes the form token from a room page. Tokens are scoped to
// the room they were scraped from.
func (a *AuthSession) RoomKey(ctx context.Context, roomID int) (string, error) {
	if !a.Authenticated() {
		return "", NewError(ErrorAuth, "room key requested before login")
	}
	resp, err := a.transport.Do(ctx, Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s/rooms/%d", a.cfg.ChatURL, roomID),
	})
	if err != nil {
		return "", WrapError(ErrorTransport, "fetch room page", err)
	}
	fkey, ok := extractValue(resp.Body, "#fkey")
	if !ok {
		return "", NewError(ErrorAuth, fmt.Sprintf("room %d page has no fkey", roomID))
	}
	return fkey, nil
}

// RoomToken exchanges a freshly scraped room key for a socket URL via the
// token-issuance endpoint. Calling this before Login is a programming
// error and fails without retry.
func (a *AuthSession) RoomToken(ctx context.Context, roomID int) (RoomToken, error) {
	fkey, err := a.RoomKey(ctx, roomID)
	if err != nil {
		return RoomToken{}, err
	}
	resp, err := a.transport.Do(ctx, Request{
		Method: "POST",
		URL:    a.cfg.ChatURL + "/ws-auth",
		Form: url.Values{
			"roomid": {strconv.Itoa(roomID)},
			"fkey":   {fkey},
		},
	})
	if err != nil {
		return RoomToken{}, WrapError(ErrorTransport, "ws-auth exchange", err)
	}
	var auth struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body, &auth); err != nil {
		return RoomToken{}, WrapError(ErrorDecode, "ws-auth response", err)
	}
	if auth.URL == "" {
		return RoomToken{}, NewError(ErrorAuth, fmt.Sprintf("ws-auth issued no socket URL for room %d", roomID))
	}
	return RoomToken{RoomID: roomID, FKey: fkey, SocketURL: auth.URL}, nil
}
