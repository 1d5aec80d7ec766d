package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/spider"
	"github.com/jackzampolin/spider/internal/svcctx"
)

// OpenSessionRequest is the body of POST /sessions.
type OpenSessionRequest struct {
	GID   int64  `json:"gid"`
	Token string `json:"token"`
	Mode  string `json:"mode,omitempty"`
}

// OpenSessionResponse returns the handle to release later.
type OpenSessionResponse struct {
	Handle string      `json:"handle"`
	GID    int64       `json:"gid"`
	Mode   spider.Mode `json:"mode"`
}

// ListSessionsResponse is the response for GET /sessions.
type ListSessionsResponse struct {
	Sessions []spider.Snapshot `json:"sessions"`
}

// StartPageRequest is the body of PUT /sessions/{gid}/start-page.
type StartPageRequest struct {
	Page int `json:"page"`
}

// sessionFrom resolves the {gid} path value to a running session, writing
// the error response when it cannot.
func sessionFrom(w http.ResponseWriter, r *http.Request) (*spider.Queen, bool) {
	gid, err := strconv.ParseInt(r.PathValue("gid"), 10, 64)
	if err != nil || gid <= 0 {
		writeError(w, http.StatusBadRequest, "gid must be a positive integer")
		return nil, false
	}
	reg := svcctx.RegistryFrom(r.Context())
	if reg == nil {
		writeError(w, http.StatusServiceUnavailable, "session registry not initialized")
		return nil, false
	}
	q, ok := reg.Get(gid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no session for gallery %d", gid))
		return nil, false
	}
	return q, true
}

// OpenSessionEndpoint handles POST /sessions.
type OpenSessionEndpoint struct{}

var _ api.Endpoint = (*OpenSessionEndpoint)(nil)

func (e *OpenSessionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/sessions", e.handler
}

func (e *OpenSessionEndpoint) RequiresInit() bool { return true }

func (e *OpenSessionEndpoint) Group() string { return "sessions" }

// handler godoc
//
//	@Summary		Open a session
//	@Description	Obtain a handle on the session for a gallery, starting it on first use
//	@Tags			sessions
//	@Accept			json
//	@Produce		json
//	@Param			request	body		OpenSessionRequest	true	"Gallery and mode"
//	@Success		201		{object}	OpenSessionResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/sessions [post]
func (e *OpenSessionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeValidated(r.Body, "open-session.json", openSessionSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := spider.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg := svcctx.RegistryFrom(r.Context())
	h, err := reg.Obtain(gallery.Info{GID: req.GID, Token: req.Token}, mode)
	if err != nil {
		if errors.Is(err, spider.ErrTokenMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	svcctx.LoggerFrom(r.Context()).Info("handle opened", "gid", h.GID, "mode", h.Mode, "handle", h.ID)
	writeJSON(w, http.StatusCreated, OpenSessionResponse{Handle: h.ID, GID: h.GID, Mode: h.Mode})
}

func (e *OpenSessionEndpoint) Command(getServerURL func() string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "open <gid> <token>",
		Short: "Open a session and print its handle",
		Long: `Open a read or download session for a gallery.

The returned handle keeps the session alive until it is released with
"spider api sessions release <handle>".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid gid %q: %w", args[0], err)
			}
			client := api.NewClient(getServerURL())
			var resp OpenSessionResponse
			req := OpenSessionRequest{GID: gid, Token: args[1], Mode: mode}
			if err := client.Post(cmd.Context(), "/sessions", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "read", "Session mode: read or download")
	return cmd
}

// ListSessionsEndpoint handles GET /sessions.
type ListSessionsEndpoint struct{}

var _ api.Endpoint = (*ListSessionsEndpoint)(nil)

func (e *ListSessionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/sessions", e.handler
}

func (e *ListSessionsEndpoint) RequiresInit() bool { return true }

func (e *ListSessionsEndpoint) Group() string { return "sessions" }

func (e *ListSessionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sessions := svcctx.RegistryFrom(r.Context()).Sessions()
	// Per-page detail is only served by GET /sessions/{gid}.
	for i := range sessions {
		sessions[i].Statuses = nil
		sessions[i].Errors = nil
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

func (e *ListSessionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListSessionsResponse
			if err := client.Get(cmd.Context(), "/sessions", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetSessionEndpoint handles GET /sessions/{gid}.
type GetSessionEndpoint struct{}

var _ api.Endpoint = (*GetSessionEndpoint)(nil)

func (e *GetSessionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/sessions/{gid}", e.handler
}

func (e *GetSessionEndpoint) RequiresInit() bool { return true }

func (e *GetSessionEndpoint) Group() string { return "sessions" }

// handler godoc
//
//	@Summary		Get session status
//	@Description	Page statuses, counters, queue depths and references of a session
//	@Tags			sessions
//	@Produce		json
//	@Param			gid	path		int	true	"Gallery id"
//	@Success		200	{object}	spider.Snapshot
//	@Failure		404	{object}	ErrorResponse
//	@Router			/sessions/{gid} [get]
func (e *GetSessionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.Snapshot())
}

func (e *GetSessionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <gid>",
		Short: "Show a session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp spider.Snapshot
			if err := client.Get(cmd.Context(), "/sessions/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReleaseHandleEndpoint handles DELETE /sessions/handles/{id}.
type ReleaseHandleEndpoint struct{}

var _ api.Endpoint = (*ReleaseHandleEndpoint)(nil)

func (e *ReleaseHandleEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/sessions/handles/{id}", e.handler
}

func (e *ReleaseHandleEndpoint) RequiresInit() bool { return true }

func (e *ReleaseHandleEndpoint) Group() string { return "sessions" }

func (e *ReleaseHandleEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := svcctx.RegistryFrom(r.Context()).ReleaseID(id); err != nil {
		if errors.Is(err, spider.ErrUnknownHandle) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *ReleaseHandleEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "release <handle>",
		Short: "Release a session handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if err := client.Delete(cmd.Context(), "/sessions/handles/"+args[0], nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
}

// StartPageEndpoint handles PUT /sessions/{gid}/start-page.
type StartPageEndpoint struct{}

var _ api.Endpoint = (*StartPageEndpoint)(nil)

func (e *StartPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/sessions/{gid}/start-page", e.handler
}

func (e *StartPageEndpoint) RequiresInit() bool { return true }

func (e *StartPageEndpoint) Group() string { return "sessions" }

func (e *StartPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req StartPageRequest
	if err := decodeValidated(r.Body, "start-page.json", startPageSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	q.PutStartPage(req.Page)
	w.WriteHeader(http.StatusNoContent)
}

func (e *StartPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "start-page <gid> <page>",
		Short: "Record the read position of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid page %q: %w", args[1], err)
			}
			client := api.NewClient(getServerURL())
			return client.Put(cmd.Context(), "/sessions/"+args[0]+"/start-page", StartPageRequest{Page: page}, nil)
		},
	}
}
