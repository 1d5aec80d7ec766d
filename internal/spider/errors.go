package spider

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by operations on a queen that is no longer running.
	ErrStopped = errors.New("spider stopped")
	// ErrOutOfRange is returned for page indices outside [0, pages).
	ErrOutOfRange = errors.New("page index out of range")
	// ErrNotFinished is returned when saving a page that is not FINISHED.
	ErrNotFinished = errors.New("page not finished")
	// ErrPagesUnknown is returned before the page count is known.
	ErrPagesUnknown = errors.New("page count not known yet")

	errTokenMissing = errors.New("token not in preview batch")
)

// Messages recorded for failed pages.
const (
	msgTokenFailed  = "failed to get page token"
	msgBlocked      = "blocked by the host (509)"
	msgWriteFailed  = "failed to write page"
	msgUnknownError = "unknown error"
)

// BlockedContentError is returned when the host serves its bandwidth limit
// placeholder instead of the page image.
type BlockedContentError struct {
	Index int
	URL   string
}

func (e *BlockedContentError) Error() string {
	return fmt.Sprintf("page %d: blocked content %s", e.Index, e.URL)
}
