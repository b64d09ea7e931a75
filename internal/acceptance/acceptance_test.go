package acceptance

import (
	"net/http"
	"testing"

	"github.com/FranksOps/ruleharvest/internal/fetch"
)

func content(body string, contentType string, header http.Header) *fetch.Content {
	return &fetch.Content{
		Body:        []byte(body),
		Size:        int64(len(body)),
		ContentType: contentType,
		StatusCode:  http.StatusOK,
		Header:      header,
	}
}

func TestEvaluate_Defaults(t *testing.T) {
	tests := []struct {
		name     string
		content  *fetch.Content
		accepted bool
		rule     string
	}{
		{"rules file", content("You are a senior Go engineer.\n", "text/plain; charset=utf-8", nil), true, ""},
		{"two bytes", content("ok", "text/plain", nil), true, ""},
		{"empty", content("", "text/plain", nil), false, "min_size"},
		{"one byte", content("x", "text/plain", nil), false, "min_size"},
		{"nil", nil, false, "nil_content"},
		{"html by content type", content("<html><head><title>Page not found</title></head></html>", "text/html; charset=utf-8", nil), false, "html_placeholder"},
		{"html sniffed", content("<!DOCTYPE html><html><body>oops</body></html>", "", nil), false, "html_placeholder"},
		{"html starter served as text", content("<!DOCTYPE html>\n<!-- Use this skeleton for every new page -->\n", "text/plain; charset=utf-8", nil), true, ""},
		{"markdown mentioning html", content("Prefer <div> over <table> for layout.\n", "text/plain", nil), true, ""},
		{"cloudflare page", content("<html><body>please wait... cf-turnstile</body></html>", "text/html", nil), false, "cdn_challenge"},
		{"rules mentioning turnstile", content("Protect forms with Cloudflare Turnstile; render a div with class cf-turnstile.\n", "text/plain; charset=utf-8", nil), true, ""},
		{"rules quoting an akamai error", content("If the API answers Access Denied with a Reference #, retry with backoff.\n", "text/plain; charset=utf-8", nil), true, ""},
		{"challenge header on text", content("rules", "text/plain", http.Header{"Cf-Mitigated": []string{"challenge"}}), false, "cdn_challenge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.content, DefaultRules())
			if v.Accepted != tt.accepted {
				t.Fatalf("expected accepted=%v, got %+v", tt.accepted, v)
			}
			if v.Rule != tt.rule {
				t.Errorf("expected rule %q, got %q", tt.rule, v.Rule)
			}
		})
	}
}

func TestHTMLPlaceholder_Title(t *testing.T) {
	c := content("<html><head><title> 404: Not Found </title></head><body></body></html>", "text/html", nil)
	rejected, reason := HTMLPlaceholder(c)
	if !rejected {
		t.Fatal("expected html to be rejected")
	}
	if reason != "html document: 404: Not Found" {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestEvaluate_NoRules(t *testing.T) {
	if v := Evaluate(content("", "", nil), nil); !v.Accepted {
		t.Errorf("expected acceptance without rules, got %+v", v)
	}
}

func TestCDNChallenge(t *testing.T) {
	h := http.Header{}
	h.Set("Cf-Mitigated", "challenge")

	dd := http.Header{}
	dd.Set("X-DataDome", "protected")

	px := http.Header{}
	px.Set("X-Px-Captcha", "1")

	tests := []struct {
		name   string
		c      *fetch.Content
		reason string
	}{
		{"cloudflare header", content("...", "text/plain", h), "Cloudflare challenge"},
		{"cloudflare body", content("<div class=\"cf-browser-verification\">", "", nil), "Cloudflare challenge"},
		{"akamai body", content("<h1>Access Denied</h1> Reference #123.456", "text/html", nil), "Akamai challenge"},
		{"datadome header", content("...", "text/plain", dd), "DataDome challenge"},
		{"datadome body", content("script src='https://geo.captcha-delivery.com/x'", "", nil), "DataDome challenge"},
		{"perimeterx header", content("...", "text/plain", px), "PerimeterX challenge"},
		{"perimeterx body", content("window._pxBlock = true", "text/html; charset=utf-8", nil), "PerimeterX challenge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rejected, reason := CDNChallenge(tt.c)
			if !rejected {
				t.Fatal("expected challenge detection")
			}
			if reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, reason)
			}
		})
	}

	if rejected, _ := CDNChallenge(content("Access Denied is a phrase in this rules file", "text/plain", nil)); rejected {
		t.Error("expected plain text without signatures to pass")
	}
	for _, body := range []string{"cf-browser-verification", "geo.captcha-delivery.com", "_pxBlock", "Access Denied, Reference #1"} {
		if rejected, reason := CDNChallenge(content(body, "text/plain; charset=utf-8", nil)); rejected {
			t.Errorf("expected %q served as text to pass, got %s", body, reason)
		}
	}
}

func TestMinSize(t *testing.T) {
	rule := MinSize(4)
	if rejected, _ := rule(content("abc", "", nil)); !rejected {
		t.Error("expected 3 bytes to be rejected")
	}
	if rejected, _ := rule(content("abcd", "", nil)); rejected {
		t.Error("expected 4 bytes to pass")
	}
}
