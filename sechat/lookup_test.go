package sechat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newLookupFixture(t *testing.T, mux *http.ServeMux) *LookupService {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL, t.TempDir())
	transport, err := newHTTPTransport(cfg.cookiePath(), cfg.UserAgent)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	sites := newSiteDirectory(cfg.sitesPath(), transport)
	auth := newAuthSession(cfg, transport, sites, noopLogger{})
	l := newLookupService(cfg, transport, auth, noopLogger{})
	l.apiURL = srv.URL + "/api/users"
	return l
}

func TestActiveUsernameSearch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/pingable/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[101,"Jon Skeet",1600000000,1600000000],[102,"ghost writer",1600000000,1600000000]]`)
	})
	l := newLookupFixture(t, mux)

	// Exact match is case- and space-insensitive and tolerates a ping @.
	rec, ok, err := l.ActiveUsernameSearch(context.Background(), "@jonskeet", 5)
	if err != nil || !ok {
		t.Fatalf("search: %v %v", ok, err)
	}
	if rec.ID != 101 || rec.Name != "Jon Skeet" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	_, ok, err = l.ActiveUsernameSearch(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("miss errored: %v", err)
	}
	if ok {
		t.Fatal("match for unknown name")
	}
}

func TestUsernameSearchEmptyResultIsEmptyList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "ghost" {
			return // empty body
		}
		fmt.Fprint(w, "alice\nalicia\nalical")
	})
	l := newLookupFixture(t, mux)

	names, err := l.UsernameSearch(context.Background(), "ghost", 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty list, got %v", names)
	}

	names, err = l.UsernameSearch(context.Background(), "ali", 50)
	if err != nil || len(names) != 3 || names[0] != "alice" {
		t.Fatalf("got %v, %v", names, err)
	}
}

func TestIDToInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/info", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("ids") != "101" || r.FormValue("roomId") != "5" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"users":[{"id":101,"name":"Jon Skeet","reputation":999999,"is_moderator":false,"is_owner":true}]}`)
	})
	l := newLookupFixture(t, mux)

	info, ok, err := l.IDToInfo(context.Background(), 101, 5)
	if err != nil || !ok {
		t.Fatalf("info: %v %v", ok, err)
	}
	if info.Name != "Jon Skeet" || info.Reputation != 999999 || !info.IsOwner {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestMessageCountSentinelWhenAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><div id="room-5"><span class="room-message-count" title="1234 messages posted"></span></div></html>`)
	})
	l := newLookupFixture(t, mux)

	count, ok, err := l.MessageCount(context.Background(), 101, 5)
	if err != nil || !ok {
		t.Fatalf("count: %v %v", ok, err)
	}
	if count != 1234 {
		t.Fatalf("count = %d", count)
	}

	// Room the user never spoke in: the element is missing and the
	// answer is "not available", not an error.
	_, ok, err = l.MessageCount(context.Background(), 101, 6)
	if err != nil {
		t.Fatalf("absent count errored: %v", err)
	}
	if ok {
		t.Fatal("count reported for absent element")
	}
}

func TestRoomOwners(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/info/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><div id="room-ownercards">
			<div class="usercard" id="owner-user-101"><div class="user-header" title="Jon Skeet"></div></div>
			<div class="usercard" id="owner-user-202"><div class="user-header" title="Room Keeper"></div></div>
		</div></html>`)
	})
	l := newLookupFixture(t, mux)

	owners, err := l.RoomOwners(context.Background(), 5)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 2 || owners[0].ID != 101 || owners[1].Username != "Room Keeper" {
		t.Fatalf("unexpected owners: %+v", owners)
	}

	isOwner, err := l.IsRoomOwnerUsername(context.Background(), "jon skeet", 5)
	if err != nil || !isOwner {
		t.Fatalf("owner check: %v %v", isOwner, err)
	}
	isOwner, err = l.IsRoomOwnerID(context.Background(), 999, 5)
	if err != nil || isOwner {
		t.Fatalf("non-owner id reported as owner")
	}
}

func TestStatsBestEffort(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/101", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("site") != "example" {
			http.Error(w, "bad site", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"items":[{"user_id":101,"display_name":"Jon Skeet","reputation":999999}]}`)
	})
	mux.HandleFunc("GET /api/users/404", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusBadRequest)
	})
	mux.HandleFunc("GET /api/users/102", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})
	l := newLookupFixture(t, mux)

	stats, ok, err := l.StatsForSite(context.Background(), 101, " example ")
	if err != nil || !ok {
		t.Fatalf("stats: %v %v", ok, err)
	}
	if stats.Reputation != 999999 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, ok, err := l.StatsForSite(context.Background(), 404, "example"); err != nil || ok {
		t.Fatalf("non-200 should be not-available, got %v %v", ok, err)
	}
	if _, ok, err := l.StatsForSite(context.Background(), 102, "example"); err != nil || ok {
		t.Fatalf("empty items should be not-available, got %v %v", ok, err)
	}
}

func TestNormalizeUsername(t *testing.T) {
	for in, want := range map[string]string{
		"@Jon Skeet": "jonskeet",
		"jonskeet":   "jonskeet",
		"Room Kee p": "roomkeep",
	} {
		if got := normalizeUsername(in); got != want {
			t.Fatalf("normalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}
