package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const apiUsersURL = "https://api.stackexchange.com/2.2/users"

// UserRecord is one pingable user in a room.
type UserRecord struct {
	ID   int
	Name string
}

// ProfileInfo is the chat profile returned by the user-info endpoint.
type ProfileInfo struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	EmailHash   string `json:"email_hash"`
	Reputation  int    `json:"reputation"`
	IsModerator bool   `json:"is_moderator"`
	IsOwner     bool   `json:"is_owner"`
	LastPost    int64  `json:"last_post"`
	LastSeen    int64  `json:"last_seen"`
}

// RoomOwnerRecord is one owner scraped from a room-info page.
type RoomOwnerRecord struct {
	ID       int
	Username string
}

// UserStats is a user's public statistics record.
type UserStats struct {
	UserID       int            `json:"user_id"`
	DisplayName  string         `json:"display_name"`
	Reputation   int            `json:"reputation"`
	Link         string         `json:"link"`
	BadgeCounts  map[string]int `json:"badge_counts"`
	CreationDate int64          `json:"creation_date"`
}

// LookupService is the stateless, best-effort query surface. Absence of
// data is normal here: methods return ok=false (or an empty list)
// instead of an error when the server simply has nothing to say.
type LookupService struct {
	cfg       Config
	transport WebTransport
	auth      *AuthSession
	logger    Logger
	apiURL    string
}

func newLookupService(cfg Config, transport WebTransport, auth *AuthSession, logger Logger) *LookupService {
	return &LookupService{cfg: cfg, transport: transport, auth: auth, logger: logger, apiURL: apiUsersURL}
}

// normalizeUsername folds case, strips spaces and a leading @ so that
// "Jon Skeet" matches "@jonskeet".
func normalizeUsername(name string) string {
	name = strings.TrimPrefix(name, "@")
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

// ActiveUsernameSearch finds a user by exact (case- and
// space-insensitive) name among the room's pingable users. ok=false
// when nobody matches.
func (l *LookupService) ActiveUsernameSearch(ctx context.Context, username string, roomID int) (UserRecord, bool, error) {
	resp, err := l.transport.Do(ctx, Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s/rooms/pingable/%d", l.cfg.ChatURL, roomID),
	})
	if err != nil {
		return UserRecord{}, false, WrapError(ErrorTransport, "fetch pingable users", err)
	}
	var rows [][]any
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return UserRecord{}, false, WrapError(ErrorDecode, "pingable users response", err)
	}
	want := normalizeUsername(username)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		id, okID := row[0].(float64)
		name, okName := row[1].(string)
		if !okID || !okName {
			continue
		}
		if normalizeUsername(name) == want {
			return UserRecord{ID: int(id), Name: name}, true, nil
		}
	}
	return UserRecord{}, false, nil
}

// UsernameSearch queries the global username search. The result is a
// plain list of names; no match is an empty list, never an error.
func (l *LookupService) UsernameSearch(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	resp, err := l.transport.Do(ctx, Request{
		Method: "GET",
		URL:    l.cfg.ChatURL + "/users/search",
		Query: url.Values{
			"q":     {query},
			"limit": {strconv.Itoa(limit)},
		},
	})
	if err != nil {
		return nil, WrapError(ErrorTransport, "username search", err)
	}
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return []string{}, nil
	}
	return strings.Split(body, "\n"), nil
}

// UsernameToID resolves a name to its chat user id within a room.
func (l *LookupService) UsernameToID(ctx context.Context, username string, roomID int) (int, bool, error) {
	rec, ok, err := l.ActiveUsernameSearch(ctx, username, roomID)
	if err != nil || !ok {
		return 0, false, err
	}
	return rec.ID, true, nil
}

// IDToInfo fetches the chat profile for a user id. ok=false when the
// server returns no matching user.
func (l *LookupService) IDToInfo(ctx context.Context, id, roomID int) (ProfileInfo, bool, error) {
	resp, err := l.transport.Do(ctx, Request{
		Method: "POST",
		URL:    l.cfg.ChatURL + "/user/info",
		Form: url.Values{
			"ids":    {strconv.Itoa(id)},
			"roomId": {strconv.Itoa(roomID)},
		},
	})
	if err != nil {
		return ProfileInfo{}, false, WrapError(ErrorTransport, "fetch user info", err)
	}
	var out struct {
		Users []ProfileInfo `json:"users"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return ProfileInfo{}, false, WrapError(ErrorDecode, "user info response", err)
	}
	if len(out.Users) == 0 {
		return ProfileInfo{}, false, nil
	}
	return out.Users[0], true, nil
}

// UsernameToInfo combines the active search with the profile fetch.
func (l *LookupService) UsernameToInfo(ctx context.Context, username string, roomID int) (ProfileInfo, bool, error) {
	id, ok, err := l.UsernameToID(ctx, username, roomID)
	if err != nil || !ok {
		return ProfileInfo{}, false, err
	}
	return l.IDToInfo(ctx, id, roomID)
}

var leadingDigitsRe = regexp.MustCompile(`^\d+`)

// MessageCount scrapes how many messages a user has posted in a room
// from their profile page. ok=false when the page has no count for that
// room; that is the normal answer for rooms the user never spoke in.
func (l *LookupService) MessageCount(ctx context.Context, userID, roomID int) (int, bool, error) {
	resp, err := l.transport.Do(ctx, Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s/users/%d", l.cfg.ChatURL, userID),
	})
	if err != nil {
		return 0, false, WrapError(ErrorTransport, "fetch user profile page", err)
	}
	title, ok := extractAttr(resp.Body, fmt.Sprintf("#room-%d .room-message-count", roomID), "title")
	if !ok {
		return 0, false, nil
	}
	m := leadingDigitsRe.FindString(title)
	if m == "" {
		return 0, false, nil
	}
	count, _ := strconv.Atoi(m)
	return count, true, nil
}

// RoomOwners lists the owners shown on a room's info page.
func (l *LookupService) RoomOwners(ctx context.Context, roomID int) ([]RoomOwnerRecord, error) {
	resp, err := l.transport.Do(ctx, Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s/rooms/info/%d", l.cfg.ChatURL, roomID),
	})
	if err != nil {
		return nil, WrapError(ErrorTransport, "fetch room info page", err)
	}
	doc, err := parseDocument(resp.Body)
	if err != nil {
		return nil, err
	}
	var owners []RoomOwnerRecord
	doc.Find("#room-ownercards div.usercard").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Find(".user-header").Attr("title")
		cardID, _ := sel.Attr("id")
		id, err := strconv.Atoi(strings.TrimPrefix(cardID, "owner-user-"))
		if err != nil {
			return
		}
		owners = append(owners, RoomOwnerRecord{ID: id, Username: name})
	})
	return owners, nil
}

// IsRoomOwnerUsername reports whether the named user owns the room.
func (l *LookupService) IsRoomOwnerUsername(ctx context.Context, username string, roomID int) (bool, error) {
	owners, err := l.RoomOwners(ctx, roomID)
	if err != nil {
		return false, err
	}
	want := normalizeUsername(username)
	for _, o := range owners {
		if normalizeUsername(o.Username) == want {
			return true, nil
		}
	}
	return false, nil
}

// IsRoomOwnerID reports whether the user id owns the room.
func (l *LookupService) IsRoomOwnerID(ctx context.Context, id, roomID int) (bool, error) {
	owners, err := l.RoomOwners(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, o := range owners {
		if o.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// Stats fetches public statistics for a main-site user id using the
// session's resolved site parameter. ok=false on a non-200 response or
// an empty result; stats are best-effort and "unknown" is not an error.
func (l *LookupService) Stats(ctx context.Context, id int) (UserStats, bool, error) {
	identity, resolved := l.auth.Identity()
	if !resolved {
		return UserStats{}, false, NewError(ErrorAuth, "stats lookup before identity resolution")
	}
	return l.StatsForSite(ctx, id, identity.APISiteParam)
}

// StatsForSite is Stats with an explicit API site parameter.
func (l *LookupService) StatsForSite(ctx context.Context, id int, siteParam string) (UserStats, bool, error) {
	resp, err := l.transport.Do(ctx, Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s/%d", l.apiURL, id),
		Query:  url.Values{"site": {strings.TrimSpace(siteParam)}},
	})
	if err != nil {
		return UserStats{}, false, WrapError(ErrorTransport, "fetch user stats", err)
	}
	if resp.Status != 200 {
		return UserStats{}, false, nil
	}
	var out struct {
		Items []UserStats `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || len(out.Items) == 0 {
		return UserStats{}, false, nil
	}
	return out.Items[0], true, nil
}
