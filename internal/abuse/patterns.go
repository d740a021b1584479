package abuse

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultScraperPatterns lists user agent fragments of automated clients,
// matched case-insensitively in order.
func DefaultScraperPatterns() []string {
	return []string{
		"bot",
		"crawler",
		"spider",
		"scraper",
		"scrapy",
		"curl",
		"wget",
		"python-requests",
		"python-urllib",
		"go-http-client",
		"java/",
		"libwww-perl",
		"httpclient",
		"okhttp",
		"headlesschrome",
		"phantomjs",
		"selenium",
		"puppeteer",
	}
}

// DefaultAuthEndpoints lists the login paths watched for credential
// stuffing.
func DefaultAuthEndpoints() []string {
	return []string{
		"/api/auth/login",
		"/api/auth/signin",
		"/api/v1/auth/login",
		"/login",
		"/signin",
	}
}

func compileScraperPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchScraper returns the first pattern found in ua.
func (d *Detector) matchScraper(ua string) (string, bool) {
	ua = strings.ToLower(ua)
	for _, p := range d.scrapers {
		if strings.Contains(ua, p) {
			return p, true
		}
	}
	return "", false
}

type payloadMatcher struct {
	name string
	re   *regexp.Regexp
}

func defaultPayloadMatchers() []payloadMatcher {
	rules := []struct{ name, expr string }{
		{"sql_union", `union(\s|\+|/\*.*?\*/)+(all(\s|\+)+)?select`},
		{"sql_tautology", `'\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+`},
		{"sql_comment", `('|")\s*(--|#|/\*)`},
		{"sql_stacked", `;\s*(drop|delete|insert|update|truncate|alter)\s`},
		{"sql_sleep", `(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`},
		{"xss_script", `<\s*script\b`},
		{"xss_handler", `\bon(error|load|click|mouseover|focus)\s*=`},
		{"xss_uri", `(javascript|vbscript)\s*:`},
		{"xss_iframe", `<\s*(iframe|object|embed)\b`},
		{"path_traversal", `\.\./|\.\.\\`},
	}
	out := make([]payloadMatcher, len(rules))
	for i, r := range rules {
		out[i] = payloadMatcher{name: r.name, re: regexp.MustCompile(`(?i)` + r.expr)}
	}
	return out
}

// normalizePayload decodes and lowercases the request target. Undecodable
// input is matched as sent.
func normalizePayload(path, query string) string {
	s := path
	if query != "" {
		s += "?" + query
	}
	for i := 0; i < 2; i++ {
		dec, err := url.QueryUnescape(s)
		if err != nil || dec == s {
			break
		}
		s = dec
	}
	return strings.ToLower(s)
}

// MatchPayload returns the name of the first suspicious payload rule the
// request target matches.
func (d *Detector) MatchPayload(path, query string) (string, bool) {
	s := normalizePayload(path, query)
	for _, m := range d.payload {
		if m.re.MatchString(s) {
			return m.name, true
		}
	}
	return "", false
}
