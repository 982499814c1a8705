package frontier

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are stripped before a URL is used as an identity key, so the
// same page reached through different campaign links counts once.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
}

// NormalizeURL canonicalizes a URL for exact-duplicate detection: lowercased
// scheme and host, default port and fragment dropped, tracking parameters
// removed, query parameters sorted, trailing slash trimmed.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if _, tracking := trackingParams[strings.ToLower(k)]; tracking {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var rebuilt url.Values
	if len(keys) > 0 {
		rebuilt = make(url.Values, len(keys))
		for _, k := range keys {
			rebuilt[k] = q[k]
		}
	}
	u.RawQuery = rebuilt.Encode()

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	u.Path = path
	u.RawPath = ""

	return u.String(), nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
