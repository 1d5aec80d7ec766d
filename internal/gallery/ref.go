package gallery

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{10}$`)

// ParseRef parses a gallery reference given as "gid/token" or as a gallery
// URL of the form https://host/g/gid/token/.
func ParseRef(s string) (Info, error) {
	ref := strings.TrimSpace(s)
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return Info{}, fmt.Errorf("invalid gallery url %q: %w", s, err)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "g" {
			return Info{}, fmt.Errorf("invalid gallery url %q: want /g/<gid>/<token>/", s)
		}
		ref = parts[1] + "/" + parts[2]
	}

	gidText, token, ok := strings.Cut(ref, "/")
	if !ok {
		return Info{}, fmt.Errorf("invalid gallery reference %q: want <gid>/<token>", s)
	}
	gid, err := strconv.ParseInt(gidText, 10, 64)
	if err != nil || gid < 1 {
		return Info{}, fmt.Errorf("invalid gallery id %q", gidText)
	}
	if !tokenPattern.MatchString(token) {
		return Info{}, fmt.Errorf("invalid gallery token %q", token)
	}
	return Info{GID: gid, Token: token}, nil
}
