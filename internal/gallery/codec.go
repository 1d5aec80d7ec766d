package gallery

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// modeMarker is the fixed fourth line of the state file.
const modeMarker = "1"

// failedToken is how older writers recorded an unresolved token.
const failedToken = "failed"

// Read parses a state record. Any header line that does not parse yields
// ErrMalformed. Token lines are read until the first line that is not an
// index and a token; that line and everything after it are ignored. Token
// lines outside [0, pages) and failure markers are dropped.
func Read(r io.Reader) (*State, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	header := make([]string, 0, 7)
	for len(header) < 7 {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("read state header: %w", err)
			}
			return nil, fmt.Errorf("%w: truncated header (%d lines)", ErrMalformed, len(header))
		}
		header = append(header, strings.TrimSpace(sc.Text()))
	}

	s := &State{Tokens: make(map[int]PageToken)}

	startPage, err := strconv.ParseInt(header[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: start page %q", ErrMalformed, header[0])
	}
	s.StartPage = int(startPage)

	if s.GID, err = strconv.ParseInt(header[1], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: gid %q", ErrMalformed, header[1])
	}
	s.Token = header[2]
	if s.Token == "" {
		return nil, fmt.Errorf("%w: empty gallery token", ErrMalformed)
	}
	if header[3] != modeMarker {
		return nil, fmt.Errorf("%w: mode marker %q", ErrMalformed, header[3])
	}

	ints := []*int{&s.PreviewPages, &s.PreviewPerPage, &s.Pages}
	for i, dst := range ints {
		v, err := strconv.Atoi(header[4+i])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d %q", ErrMalformed, 5+i, header[4+i])
		}
		*dst = v
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idxStr, tok, ok := strings.Cut(line, " ")
		tok = strings.TrimSpace(tok)
		if !ok || tok == "" {
			break
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			break
		}
		if strings.EqualFold(tok, failedToken) {
			continue
		}
		if s.Pages >= 0 && (idx < 0 || idx >= s.Pages) {
			continue
		}
		s.Tokens[idx] = Known(tok)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read state tokens: %w", err)
	}

	return s, nil
}

// Write encodes the state. Failed tokens are never written.
func (s *State) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%08x\n", s.StartPage)
	fmt.Fprintf(bw, "%d\n", s.GID)
	fmt.Fprintf(bw, "%s\n", s.Token)
	fmt.Fprintf(bw, "%s\n", modeMarker)
	fmt.Fprintf(bw, "%d\n", s.PreviewPages)
	fmt.Fprintf(bw, "%d\n", s.PreviewPerPage)
	fmt.Fprintf(bw, "%d\n", s.Pages)
	for _, idx := range s.KnownIndices() {
		fmt.Fprintf(bw, "%d %s\n", idx, s.Tokens[idx].Value)
	}
	return bw.Flush()
}

// MarshalText implements encoding.TextMarshaler.
func (s *State) MarshalText() ([]byte, error) {
	var b strings.Builder
	if err := s.Write(&b); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
