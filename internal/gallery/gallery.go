// Package gallery holds the persisted progress record for one gallery and
// its text encoding.
package gallery

import (
	"errors"
	"sort"
)

// Info identifies a gallery on the host.
type Info struct {
	GID   int64  `json:"gid"`
	Token string `json:"token"`
	Title string `json:"title,omitempty"`
}

// TokenKind tags a PageToken.
type TokenKind int

const (
	// TokenKnown carries a usable page token.
	TokenKnown TokenKind = iota + 1
	// TokenFailed marks a page whose token could not be resolved.
	TokenFailed
)

// PageToken is the per-page token used to build a page URL.
// The zero value is not valid; absence from State.Tokens means pending.
type PageToken struct {
	Kind  TokenKind
	Value string
}

// Known returns a resolved token.
func Known(value string) PageToken {
	return PageToken{Kind: TokenKnown, Value: value}
}

// Failed is the token recorded after resolution was exhausted.
var Failed = PageToken{Kind: TokenFailed}

// IsKnown reports whether the token carries a value.
func (t PageToken) IsKnown() bool { return t.Kind == TokenKnown }

// IsFailed reports whether the token is the failure marker.
func (t PageToken) IsFailed() bool { return t.Kind == TokenFailed }

// ErrMalformed is returned when a persisted state record cannot be parsed.
var ErrMalformed = errors.New("malformed gallery state")

// State is the resumable progress record for one gallery.
type State struct {
	GID            int64
	Token          string
	StartPage      int
	Pages          int
	PreviewPages   int
	PreviewPerPage int
	Tokens         map[int]PageToken
}

// NewState returns an empty state for the gallery with the page count unknown.
func NewState(info Info) *State {
	return &State{
		GID:    info.GID,
		Token:  info.Token,
		Pages:  -1,
		Tokens: make(map[int]PageToken),
	}
}

// Matches reports whether the state belongs to the gallery.
func (s *State) Matches(info Info) bool {
	return s.GID == info.GID && s.Token == info.Token
}

// InRange reports whether index is a valid page for a known page count.
func (s *State) InRange(index int) bool {
	return index >= 0 && index < s.Pages
}

// Batch returns the preview batch that carries the token for index.
func (s *State) Batch(index int) int {
	if s.PreviewPerPage <= 0 {
		return 0
	}
	return index / s.PreviewPerPage
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Tokens = make(map[int]PageToken, len(s.Tokens))
	for k, v := range s.Tokens {
		c.Tokens[k] = v
	}
	return &c
}

// KnownIndices returns the indices with a known token in ascending order.
func (s *State) KnownIndices() []int {
	out := make([]int, 0, len(s.Tokens))
	for idx, tok := range s.Tokens {
		if tok.IsKnown() {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}
