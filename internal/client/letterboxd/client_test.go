package letterboxd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type loginScript struct {
	mu       sync.Mutex
	attempts int
	times    []time.Time
	// respond returns (status, body) for the nth login attempt (1-based).
	respond func(attempt int) (int, string)
}

func newLoginServer(t *testing.T, script *loginScript) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "test-token", Path: "/"})
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/user/login.do", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("__csrf") != "test-token" {
			t.Errorf("login posted without csrf token")
		}
		script.mu.Lock()
		script.attempts++
		n := script.attempts
		script.times = append(script.times, time.Now())
		script.mu.Unlock()
		status, body := script.respond(n)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New("alice", "secret", Options{
		BaseURL:      baseURL,
		LoginRetries: 3,
		LoginBackoff: 30 * time.Millisecond,
		PageDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestLoginSuccess(t *testing.T) {
	script := &loginScript{respond: func(int) (int, string) {
		return http.StatusOK, `{"result":"success"}`
	}}
	srv := newLoginServer(t, script)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if script.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", script.attempts)
	}
}

func TestLoginCredentialErrorDoesNotRetry(t *testing.T) {
	script := &loginScript{respond: func(int) (int, string) {
		return http.StatusOK, `{"result":"error","messages":["The credentials don't match our records"]}`
	}}
	srv := newLoginServer(t, script)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Login(context.Background())
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
	if script.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (credential errors are not retried)", script.attempts)
	}
}

func TestLoginRetriesRateLimitWithBackoff(t *testing.T) {
	script := &loginScript{respond: func(attempt int) (int, string) {
		if attempt <= 2 {
			return http.StatusTooManyRequests, ""
		}
		return http.StatusOK, `{"result":"success"}`
	}}
	srv := newLoginServer(t, script)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if script.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", script.attempts)
	}

	gap1 := script.times[1].Sub(script.times[0])
	gap2 := script.times[2].Sub(script.times[1])
	if gap1 < 30*time.Millisecond {
		t.Fatalf("first retry gap %v, want >= 30ms", gap1)
	}
	if gap2 < 60*time.Millisecond {
		t.Fatalf("second retry gap %v, want >= 60ms (backoff doubles)", gap2)
	}
}

func TestLoginExhaustsRetries(t *testing.T) {
	script := &loginScript{respond: func(int) (int, string) {
		return http.StatusOK, `{"result":"error","messages":["Service temporarily unavailable"]}`
	}}
	srv := newLoginServer(t, script)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Login(context.Background())
	if !errors.Is(err, ErrLoginExhausted) {
		t.Fatalf("err = %v, want ErrLoginExhausted", err)
	}
	if script.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", script.attempts)
	}
}

func TestLoginMissingCSRFIsTransient(t *testing.T) {
	var attempts int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		// No csrf cookie issued.
		fmt.Fprint(w, "<html></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Login(context.Background())
	if !errors.Is(err, ErrLoginExhausted) {
		t.Fatalf("err = %v, want ErrLoginExhausted", err)
	}
	if attempts != 3 {
		t.Fatalf("homepage fetches = %d, want 3", attempts)
	}
}

func TestFetchAllPagesTerminates(t *testing.T) {
	item := func(id int) string {
		return fmt.Sprintf(`<li class="posteritem" data-owner-rating="8"><div class="react-component" data-film-id="%d" data-item-name="Film %d" data-item-slug="film-%d" data-item-link="/film/film-%d/"></div></li>`, id, id, id, id)
	}
	page := func(ids []int, next bool) string {
		body := "<html><ul>"
		for _, id := range ids {
			body += item(id)
		}
		body += "</ul>"
		if next {
			body += `<a class="next" href="#">Next</a>`
		}
		return body + "</html>"
	}

	var fetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/alice/list/watchlist/", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, page([]int{1, 2, 3, 4, 5}, true))
	})
	mux.HandleFunc("/alice/list/watchlist/page/2/", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, page([]int{6, 7, 8, 9, 10}, true))
	})
	mux.HandleFunc("/alice/list/watchlist/page/3/", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, page(nil, false))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	movies, err := c.FetchAllPages(context.Background(), srv.URL+"/alice/list/watchlist/")
	if err != nil {
		t.Fatalf("fetch all pages: %v", err)
	}
	if len(movies) != 10 {
		t.Fatalf("movies = %d, want 10", len(movies))
	}
	if fetches != 3 {
		t.Fatalf("fetches = %d, want 3", fetches)
	}
}

func TestFetchAllPagesStopsWithoutNextAffordance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/alice/list/short/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><li class="posteritem"><div class="react-component" data-film-id="42" data-item-name="Only"></div></li></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	movies, err := c.FetchAllPages(context.Background(), srv.URL+"/alice/list/short/")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(movies) != 1 || movies[0].FilmID != "42" {
		t.Fatalf("movies = %+v, want single film 42", movies)
	}
}

func TestAddAndRemoveMovie(t *testing.T) {
	var addForm, removeForm map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "tok", Path: "/"})
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/user/login.do", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"success"}`)
	})
	mux.HandleFunc("/s/add-film-to-list", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		addForm = map[string]string{
			"filmId":     r.PostFormValue("filmId"),
			"filmListId": r.PostFormValue("filmListId"),
			"__csrf":     r.PostFormValue("__csrf"),
		}
		fmt.Fprint(w, `{"result":true,"messages":["<b>Added</b>"]}`)
	})
	mux.HandleFunc("/alice/list/watchlist/remove-film/", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		removeForm = map[string]string{
			"filmId": r.PostFormValue("filmId"),
			"__csrf": r.PostFormValue("__csrf"),
		}
		fmt.Fprint(w, `{"result":true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := c.AddMovie(ctx, "101", "9001"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if addForm["filmId"] != "101" || addForm["filmListId"] != "9001" || addForm["__csrf"] != "tok" {
		t.Fatalf("add form = %v", addForm)
	}
	if err := c.RemoveMovie(ctx, "102", srv.URL+"/alice/list/watchlist/"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removeForm["filmId"] != "102" || removeForm["__csrf"] != "tok" {
		t.Fatalf("remove form = %v", removeForm)
	}
}

func TestAddMovieRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "tok", Path: "/"})
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/user/login.do", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"success"}`)
	})
	mux.HandleFunc("/s/add-film-to-list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":false,"errorCodes":["film.not.found"]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	err := c.AddMovie(ctx, "999", "9001")
	if err == nil {
		t.Fatal("want error for rejected add")
	}
}

func TestMutationWithoutSessionFails(t *testing.T) {
	c := newTestClient(t, "https://letterboxd.com")
	if err := c.AddMovie(context.Background(), "1", "2"); !errors.Is(err, ErrNoCSRF) {
		t.Fatalf("err = %v, want ErrNoCSRF", err)
	}
}

func TestSplitListURL(t *testing.T) {
	tests := []struct {
		in       string
		username string
		slug     string
		wantErr  bool
	}{
		{"https://letterboxd.com/alice/list/watchlist/", "alice", "watchlist", false},
		{"https://letterboxd.com/bob/list/best-of-2024", "bob", "best-of-2024", false},
		{"https://letterboxd.com/alice/films/", "", "", true},
		{"https://letterboxd.com/", "", "", true},
	}
	for _, tt := range tests {
		username, slug, err := SplitListURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("SplitListURL(%q): want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SplitListURL(%q): %v", tt.in, err)
		}
		if username != tt.username || slug != tt.slug {
			t.Fatalf("SplitListURL(%q) = (%q, %q), want (%q, %q)", tt.in, username, slug, tt.username, tt.slug)
		}
	}
}
