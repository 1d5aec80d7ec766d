package endpoints

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/moby/sys/atomicwriter"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/den"
	"github.com/jackzampolin/spider/internal/spider"
)

// pageIndex parses the {index} path value (0-based).
func pageIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

// writePageError maps session errors to status codes.
func writePageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, spider.ErrOutOfRange):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, spider.ErrNotFinished), errors.Is(err, spider.ErrPagesUnknown):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, spider.ErrStopped):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// RequestPageEndpoint handles POST /sessions/{gid}/pages/{index}.
type RequestPageEndpoint struct{}

var _ api.Endpoint = (*RequestPageEndpoint)(nil)

func (e *RequestPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/sessions/{gid}/pages/{index}", e.handler
}

func (e *RequestPageEndpoint) RequiresInit() bool { return true }

func (e *RequestPageEndpoint) Group() string { return "pages" }

// handler godoc
//
//	@Summary		Request a page
//	@Description	Queue a page for download, or for decoding when already finished
//	@Tags			pages
//	@Produce		json
//	@Param			gid		path		int		true	"Gallery id"
//	@Param			index	path		int		true	"Page index (0-based)"
//	@Param			force	query		bool	false	"Download again even if stored or failed"
//	@Success		202		{object}	spider.RequestResult
//	@Failure		404		{object}	ErrorResponse
//	@Failure		410		{object}	ErrorResponse
//	@Router			/sessions/{gid}/pages/{index} [post]
func (e *RequestPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}
	q, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	var (
		res spider.RequestResult
		err error
	)
	if force {
		res, err = q.ForceRequest(index)
	} else {
		res, err = q.Request(index)
	}
	if err != nil {
		writePageError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (e *RequestPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "request <gid> <index>",
		Short: "Request a page (0-based index)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/sessions/%s/pages/%s", args[0], args[1])
			if force {
				path += "?force=true"
			}
			client := api.NewClient(getServerURL())
			var resp spider.RequestResult
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Download again even if stored or failed")
	return cmd
}

// CancelPageEndpoint handles DELETE /sessions/{gid}/pages/{index}.
type CancelPageEndpoint struct{}

var _ api.Endpoint = (*CancelPageEndpoint)(nil)

func (e *CancelPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/sessions/{gid}/pages/{index}", e.handler
}

func (e *CancelPageEndpoint) RequiresInit() bool { return true }

func (e *CancelPageEndpoint) Group() string { return "pages" }

func (e *CancelPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}
	q, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	q.CancelRequest(index)
	w.WriteHeader(http.StatusNoContent)
}

func (e *CancelPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <gid> <index>",
		Short: "Drop a queued page request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), fmt.Sprintf("/sessions/%s/pages/%s", args[0], args[1]), nil)
		},
	}
}

// PageImageEndpoint handles GET /sessions/{gid}/pages/{index}/image.
type PageImageEndpoint struct{}

var _ api.Endpoint = (*PageImageEndpoint)(nil)

func (e *PageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/sessions/{gid}/pages/{index}/image", e.handler
}

func (e *PageImageEndpoint) RequiresInit() bool { return true }

func (e *PageImageEndpoint) Group() string { return "pages" }

// handler godoc
//
//	@Summary		Get page image
//	@Description	Stream a finished page from the gallery's download directory
//	@Tags			pages
//	@Produce		image/jpeg,image/png,image/gif,image/webp
//	@Param			gid		path		int	true	"Gallery id"
//	@Param			index	path		int	true	"Page index (0-based)"
//	@Success		200		{file}		binary
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/sessions/{gid}/pages/{index}/image [get]
func (e *PageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}
	q, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if _, err := q.Save(index, &buf); err != nil {
		writePageError(w, err)
		return
	}
	data := buf.Bytes()
	mtype := mimetype.Detect(data)

	w.Header().Set("Content-Type", mtype.String())
	http.ServeContent(w, r, fmt.Sprintf("%08d%s", index+1, mtype.Extension()), time.Time{}, bytes.NewReader(data))
}

func (e *PageImageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "image <gid> <index>",
		Short: "Save a finished page to a file",
		Long: `Save a finished page to a file.

Without --out the file is written to the current directory as
<index+1 zero padded><extension of the served type>.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			client := api.NewClient(getServerURL())
			var buf bytes.Buffer
			ctype, err := client.Download(cmd.Context(), fmt.Sprintf("/sessions/%s/pages/%d/image", args[0], index), &buf)
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = fmt.Sprintf("%08d%s", index+1, den.ExtFromContentType(ctype))
			}
			if err := atomicwriter.WriteFile(path, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "O", "", "Output file")
	return cmd
}

