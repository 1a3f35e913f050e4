package mention

import (
	"net/url"
	"regexp"
	"strings"
)

// defaultHost is the platform's deep-link host, e.g. a message containing
// "t.me/some_channel" resolves to the username "some_channel".
const defaultHost = "t.me"

// bareLinkPattern scans raw text for "<host>/<segment>" occurrences that
// carry no entity annotation at all, per spec §4.1's "in addition, scan the
// raw text for bare deep-link occurrences" requirement.
var bareLinkPattern = regexp.MustCompile(`(?:https?://)?t\.me/([A-Za-z0-9_+]+)`)

func bareLinkHostPattern(host string) *regexp.Regexp {
	if host == defaultHost {
		return bareLinkPattern
	}
	return regexp.MustCompile(`(?:https?://)?` + regexp.QuoteMeta(host) + `/([A-Za-z0-9_+]+)`)
}

// usernameSegment validates and normalizes the first path segment of a
// deep link: empty segments and private-invite segments (leading '+') are
// rejected.
func usernameSegment(segment string) (string, bool) {
	if segment == "" {
		return "", false
	}
	if strings.HasPrefix(segment, "+") {
		return "", false
	}
	return strings.ToLower(segment), true
}

// scanBareLinks finds every bare "host/segment" occurrence in text and
// returns the valid usernames among them.
func scanBareLinks(text, host string) []string {
	matches := bareLinkHostPattern(host).FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		if name, ok := usernameSegment(m[1]); ok {
			out = append(out, name)
		}
	}
	return out
}

// usernameFromTextURL extracts a username from a text-url entity's target,
// when that target is a deep link to host whose first path segment is not
// a private-invite marker.
func usernameFromTextURL(rawURL, host string) (string, bool) {
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(u.Hostname(), host) {
		return "", false
	}
	path := strings.TrimPrefix(u.Path, "/")
	segment, _, _ := strings.Cut(path, "/")
	return usernameSegment(segment)
}
