package endpoints

import (
	"errors"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/config"
	"github.com/jackzampolin/spider/internal/svcctx"
)

// SettingsResponse lists every config key with its effective value.
type SettingsResponse struct {
	ConfigFile string         `json:"config_file,omitempty"`
	Settings   []config.Entry `json:"settings"`
}

// ListSettingsEndpoint handles GET /settings.
type ListSettingsEndpoint struct{}

var _ api.Endpoint = (*ListSettingsEndpoint)(nil)

func (e *ListSettingsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/settings", e.handler
}

func (e *ListSettingsEndpoint) RequiresInit() bool { return false }

func (e *ListSettingsEndpoint) Group() string { return "settings" }

// handler godoc
//
//	@Summary		List all settings
//	@Description	Effective value of every configuration key
//	@Tags			settings
//	@Produce		json
//	@Success		200	{object}	SettingsResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/settings [get]
func (e *ListSettingsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config manager not available")
		return
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		ConfigFile: cm.ConfigFileUsed(),
		Settings:   cm.Entries(),
	})
}

func (e *ListSettingsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SettingsResponse
			if err := client.Get(cmd.Context(), "/settings", &resp); err != nil {
				return err
			}
			if prefix != "" {
				filtered := resp.Settings[:0]
				for _, s := range resp.Settings {
					if strings.HasPrefix(s.Key, prefix) {
						filtered = append(filtered, s)
					}
				}
				resp.Settings = filtered
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Filter by key prefix (e.g., 'spider.')")
	return cmd
}

// GetSettingEndpoint handles GET /settings/{key}.
type GetSettingEndpoint struct{}

var _ api.Endpoint = (*GetSettingEndpoint)(nil)

func (e *GetSettingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/settings/{key}", e.handler
}

func (e *GetSettingEndpoint) RequiresInit() bool { return false }

func (e *GetSettingEndpoint) Group() string { return "settings" }

func (e *GetSettingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config manager not available")
		return
	}

	key := r.PathValue("key")
	entry, err := config.LookupDefault(key)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, config.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	if v, err := cm.Value(key); err == nil {
		entry.Value = v
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *GetSettingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp config.Entry
			if err := client.Get(cmd.Context(), "/settings/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
