package fingerprint

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransport_Profiles(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	for _, p := range Profiles() {
		t.Run(string(p), func(t *testing.T) {
			// httptest.NewTLSServer uses self-signed certs.
			rt, err := Transport(p, Options{InsecureSkipVerify: true})
			if err != nil {
				t.Fatalf("unexpected error creating transport for %s: %v", p, err)
			}

			if _, ok := rt.(*http.Transport); !ok {
				t.Fatalf("expected *http.Transport, got %T", rt)
			}

			client := &http.Client{Transport: rt}
			resp, err := client.Get(ts.URL)
			if err != nil {
				t.Fatalf("request failed for profile %s: %v", p, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200 OK, got %d for profile %s", resp.StatusCode, p)
			}
		})
	}
}

func TestTransport_HTTP2Server(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Proto))
	}))
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	for _, p := range Profiles() {
		t.Run(string(p), func(t *testing.T) {
			rt, err := Transport(p, Options{InsecureSkipVerify: true})
			if err != nil {
				t.Fatalf("unexpected error creating transport for %s: %v", p, err)
			}

			client := &http.Client{Transport: rt}
			resp, err := client.Get(ts.URL)
			if err != nil {
				t.Fatalf("request failed for profile %s: %v", p, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200 OK, got %d for profile %s", resp.StatusCode, p)
			}
			if p != ProfileGo && string(body) != "HTTP/1.1" {
				t.Errorf("expected HTTP/1.1 for profile %s, server saw %q", p, body)
			}
		})
	}
}

func TestHTTP1Only(t *testing.T) {
	if got := http1Only([]string{"h2", "http/1.1"}); len(got) != 1 || got[0] != "http/1.1" {
		t.Errorf("unexpected protocols %v", got)
	}
	if got := http1Only([]string{"h2"}); len(got) != 1 || got[0] != "http/1.1" {
		t.Errorf("expected http/1.1 fallback, got %v", got)
	}
}

func TestTransport_VerifiesCertificates(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	for _, p := range []Profile{ProfileGo, ProfileChrome} {
		rt, err := Transport(p, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		client := &http.Client{Transport: rt}
		if resp, err := client.Get(ts.URL); err == nil {
			resp.Body.Close()
			t.Errorf("expected certificate error for profile %s", p)
		}
	}
}

func TestTransport_UnknownProfile(t *testing.T) {
	_, err := Transport(Profile("unknown_browser"), Options{})
	if err == nil {
		t.Fatal("expected error for unknown profile, got nil")
	}
	if err.Error() != `context: unknown profile "unknown_browser"` {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestParseProfile(t *testing.T) {
	cases := map[string]Profile{
		"":        ProfileGo,
		"go":      ProfileGo,
		"Chrome":  ProfileChrome,
		" safari": ProfileSafari,
		"RANDOM":  ProfileRandom,
	}
	for in, want := range cases {
		got, err := ParseProfile(in)
		if err != nil {
			t.Errorf("ParseProfile(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseProfile(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseProfile("netscape"); err == nil {
		t.Error("expected error for unknown profile")
	}
}
