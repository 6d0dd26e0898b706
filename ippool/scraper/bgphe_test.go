package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
)

const searchPage = `<html><body>
<table class="w100p">
<thead><tr><th>Result</th><th>Description</th></tr></thead>
<tbody>
<tr><td><a href="/AS13335">AS13335</a></td><td>Cloudflare, Inc. <img alt="United States" title="United States" src="/images/flags/us.gif"></td></tr>
<tr><td><a href="/net/104.16.0.0/13">104.16.0.0/13</a></td><td>Cloudflare, Inc.</td></tr>
<tr><td><a href="/dns/cloudflare.com">cloudflare.com</a></td><td>DNS</td></tr>
<tr><td><a href="/AS209242">AS209242</a></td><td>Cloudflare London, LLC</td></tr>
</tbody>
</table>
</body></html>`

const asPage = `<html><body>
<table id="table_prefixes4"><tbody>
<tr><td><a href="/net/104.16.0.0/13">104.16.0.0/13</a></td><td>Cloudflare, Inc.</td></tr>
<tr><td><a href="/net/172.64.0.0/13">172.64.0.0/13</a></td><td>Cloudflare, Inc.</td></tr>
</tbody></table>
<table id="table_prefixes6"><tbody>
<tr><td><a href="/net/2606:4700::/32">2606:4700::/32</a></td><td>Cloudflare, Inc.</td></tr>
</tbody></table>
</body></html>`

// fakeBGPHE emulates the challenge and the two page types.
func fakeBGPHE(t *testing.T) *httptest.Server {
	t.Helper()
	const egress = "203.0.113.7"
	mux := http.NewServeMux()
	var passed atomic.Bool
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("search[search]") == "" {
			http.SetCookie(w, &http.Cookie{Name: "path", Value: "%2Fsearch", Path: "/"})
			w.Write([]byte("<html></html>"))
			return
		}
		if !passed.Load() {
			http.Error(w, "challenge", http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("search[search]") == "nothing" {
			w.Write([]byte("<html><body>Your search did not return any results.  You may go Back</body></html>"))
			return
		}
		w.Write([]byte(searchPage))
	})
	mux.HandleFunc("/i", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(egress + "\n"))
	})
	mux.HandleFunc("/jc", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("p") != md5Hex("/search") || r.PostForm.Get("i") != md5Hex(egress) {
			http.Error(w, "bad challenge", http.StatusForbidden)
			return
		}
		passed.Store(true)
	})
	mux.HandleFunc("/AS13335", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(asPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBGPHEScraper_SearchAndAS(t *testing.T) {
	srv := fakeBGPHE(t)
	s := NewBGPHEScraper(srv.URL)
	ctx := context.Background()

	entries, err := s.Search(ctx, "cloudflare")
	if err != nil {
		t.Fatalf("Search() returned an error: %v", err)
	}
	var asNames []string
	for _, e := range entries {
		if e.Kind == KindAS {
			asNames = append(asNames, e.Result)
		}
	}
	if !reflect.DeepEqual(asNames, []string{"AS13335", "AS209242"}) {
		t.Errorf("Unexpected AS entries: %v", asNames)
	}
	if entries[0].Region != "United States" {
		t.Errorf("Expected region from the flag title, got %q", entries[0].Region)
	}

	as, err := s.AutonomousSystem(ctx, "AS13335")
	if err != nil {
		t.Fatalf("AutonomousSystem() returned an error: %v", err)
	}
	if !reflect.DeepEqual(as.PrefixesV4, []string{"104.16.0.0/13", "172.64.0.0/13"}) {
		t.Errorf("Unexpected v4 prefixes: %v", as.PrefixesV4)
	}
	if !reflect.DeepEqual(as.PrefixesV6, []string{"2606:4700::/32"}) {
		t.Errorf("Unexpected v6 prefixes: %v", as.PrefixesV6)
	}

	none, err := s.Search(ctx, "nothing")
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no results, got %v, %v", none, err)
	}

	if _, err := s.AutonomousSystem(ctx, "13335"); err == nil {
		t.Error("Expected an error for a name without the AS prefix")
	}
}

func TestBGPHEScraper_ChallengeRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewBGPHEScraper(srv.URL).Search(context.Background(), "cloudflare")
	if !errors.Is(err, ErrChallenge) {
		t.Errorf("Expected ErrChallenge without a path cookie, got %v", err)
	}
}

func TestParseSearchPage_UnknownLink(t *testing.T) {
	page := `<table class="w100p"><tbody><tr><td><a href="/weird">x</a></td><td>y</td></tr></tbody></table>`
	if _, err := ParseSearchPage([]byte(page)); err == nil {
		t.Error("Expected an error for an unknown result link")
	}
}
