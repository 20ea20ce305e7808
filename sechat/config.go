package sechat

import (
	"path/filepath"
	"time"
)

// Config controls how the SDK authenticates and connects.
type Config struct {
	// SiteURL is the main site used for cookie login, e.g. "https://stackoverflow.com".
	SiteURL string
	// ChatURL is the chat host, e.g. "https://chat.stackoverflow.com".
	ChatURL string

	Email    string
	Password string

	// Rooms lists every room the client subscribes to. The first entry is
	// the primary room: the persistent socket is opened against it, and
	// presence in the remaining rooms is registered with a handshake join.
	Rooms []int

	// DataDir holds the cookie jar and the site-directory cache.
	DataDir string

	UserAgent string

	HandshakeTimeout time.Duration
	// ReadTimeout bounds a single socket read. The default of 0 disables
	// it: frames only arrive when rooms are active, and an idle socket is
	// not a dead one.
	ReadTimeout time.Duration

	// RetryEpsilon is added on top of a server-reported throttle cooldown
	// before a send is retried.
	RetryEpsilon time.Duration
}

// DefaultConfig returns sensible defaults.
// Use it as a starting point and fill in site, credentials and rooms.
func DefaultConfig() Config {
	return Config{
		DataDir:          "data",
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/12.1.1 Safari/605.1.15",
		HandshakeTimeout: 10 * time.Second,
		RetryEpsilon:     250 * time.Millisecond,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.SiteURL == "" {
		return NewError(ErrorInvalidConfig, "empty SiteURL")
	}
	if c.ChatURL == "" {
		return NewError(ErrorInvalidConfig, "empty ChatURL")
	}
	if len(c.Rooms) == 0 {
		return NewError(ErrorInvalidConfig, "no rooms configured")
	}
	return nil
}

func (c Config) primaryRoom() int { return c.Rooms[0] }

func (c Config) roomSet() map[int]bool {
	set := make(map[int]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		set[r] = true
	}
	return set
}

func (c Config) cookiePath() string { return filepath.Join(c.DataDir, "cookies.json") }
func (c Config) sitesPath() string  { return filepath.Join(c.DataDir, "sites.json") }
