package ehclient

import (
	"fmt"
	"net/url"
	"strings"
)

// URLs builds gallery host URLs.
type URLs struct {
	Base string
}

// NewURLs trims a trailing slash from base.
func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(base, "/")}
}

// Detail returns the gallery detail page for preview batch p.
func (u URLs) Detail(gid int64, token string, p int) string {
	s := fmt.Sprintf("%s/g/%d/%s/", u.Base, gid, token)
	if p > 0 {
		s += fmt.Sprintf("?p=%d", p)
	}
	return s
}

// Page returns the wrapper page for page index (0-based). A non-empty
// skipHathKey asks the host for a different image server.
func (u URLs) Page(gid int64, index int, pToken, skipHathKey string) string {
	s := fmt.Sprintf("%s/s/%s/%d-%d", u.Base, pToken, gid, index+1)
	if skipHathKey != "" {
		s += "?nl=" + url.QueryEscape(skipHathKey)
	}
	return s
}
