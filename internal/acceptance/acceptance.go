// Package acceptance decides whether downloaded content is a real rules file.
//
// A successful HTTP response is not enough: hosts and CDNs sometimes answer
// 200 with an error page or a bot challenge. Rules inspect the raw bytes and
// headers and reject such payloads.
package acceptance

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/FranksOps/ruleharvest/internal/fetch"
	"github.com/PuerkitoBio/goquery"
)

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Accepted bool
	// Rule names the rule that rejected the content.
	Rule string
	// Reason is a human readable detail for the log line.
	Reason string
}

// Rule examines content and reports whether it must be rejected.
type Rule func(c *fetch.Content) (rejected bool, reason string)

// NamedRule pairs a Rule with the name reported in a Verdict.
type NamedRule struct {
	Name  string
	Check Rule
}

// DefaultRules returns the standard acceptance rules.
func DefaultRules() []NamedRule {
	return []NamedRule{
		{Name: "min_size", Check: MinSize(2)},
		{Name: "html_placeholder", Check: HTMLPlaceholder},
		{Name: "cdn_challenge", Check: CDNChallenge},
	}
}

// Evaluate runs content through rules in order and stops at the first
// rejection. Nil content is always rejected.
func Evaluate(c *fetch.Content, rules []NamedRule) Verdict {
	if c == nil {
		return Verdict{Rule: "nil_content", Reason: "no content"}
	}
	for _, r := range rules {
		if rejected, reason := r.Check(c); rejected {
			return Verdict{Rule: r.Name, Reason: reason}
		}
	}
	return Verdict{Accepted: true}
}

// MinSize rejects payloads shorter than n bytes.
func MinSize(n int64) Rule {
	return func(c *fetch.Content) (bool, string) {
		if int64(len(c.Body)) < n {
			return true, "payload too small"
		}
		return false, ""
	}
}

// HTMLPlaceholder rejects HTML documents. Rules files are plain text, so an
// HTML page served with a success status is an error or placeholder page.
// A body declared as non-HTML is trusted even when it looks like markup.
func HTMLPlaceholder(c *fetch.Content) (bool, string) {
	if !isHTML(c) {
		return false, ""
	}
	title := pageTitle(c.Body)
	if title == "" {
		return true, "html document"
	}
	return true, "html document: " + title
}

func isHTML(c *fetch.Content) bool {
	ct := strings.ToLower(c.ContentType)
	if ct == "" {
		ct = http.DetectContentType(c.Body)
	}
	return htmlType(ct)
}

func htmlType(ct string) bool {
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

// bodyInspectable reports whether body signatures may be trusted: the
// response was declared HTML or not typed at all. Rules files routinely
// mention vendor markers in plain text.
func bodyInspectable(c *fetch.Content) bool {
	ct := strings.TrimSpace(c.ContentType)
	return ct == "" || htmlType(strings.ToLower(ct))
}

func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// CDNChallenge rejects bot challenge pages from the common CDN vendors.
// Vendor headers always count; body markers only on HTML or untyped responses.
func CDNChallenge(c *fetch.Content) (bool, string) {
	for _, d := range challengeDetectors {
		if detected, source := d(c); detected {
			return true, source + " challenge"
		}
	}
	return false, ""
}

var challengeDetectors = []func(c *fetch.Content) (bool, string){
	detectCloudflare,
	detectAkamai,
	detectDataDome,
	detectPerimeterX,
}

func header(c *fetch.Content, key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func detectCloudflare(c *fetch.Content) (bool, string) {
	if strings.EqualFold(header(c, "Cf-Mitigated"), "challenge") {
		return true, "Cloudflare"
	}
	if !bodyInspectable(c) {
		return false, ""
	}
	if bytes.Contains(c.Body, []byte("cf-browser-verification")) ||
		bytes.Contains(c.Body, []byte("cf-turnstile")) ||
		bytes.Contains(c.Body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}
	return false, ""
}

func detectAkamai(c *fetch.Content) (bool, string) {
	// Akamai block pages carry a "Reference #" id
	if bodyInspectable(c) && bytes.Contains(c.Body, []byte("Reference #")) && bytes.Contains(c.Body, []byte("Access Denied")) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(c *fetch.Content) (bool, string) {
	if header(c, "X-DataDome") != "" || header(c, "X-DataDome-Response") != "" {
		return true, "DataDome"
	}
	if bodyInspectable(c) && bytes.Contains(c.Body, []byte("geo.captcha-delivery.com")) {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(c *fetch.Content) (bool, string) {
	if header(c, "X-Px-Captcha") != "" {
		return true, "PerimeterX"
	}
	if bodyInspectable(c) && (bytes.Contains(c.Body, []byte("client.perimeterx.net")) ||
		bytes.Contains(c.Body, []byte("_pxBlock"))) {
		return true, "PerimeterX"
	}
	return false, ""
}
