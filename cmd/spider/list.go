package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/home"
	"github.com/jackzampolin/spider/internal/persist"
)

// StoredGallery is one gallery with saved progress.
type StoredGallery struct {
	GID         int64  `json:"gid"`
	Token       string `json:"token"`
	Pages       int    `json:"pages"`
	KnownTokens int    `json:"known_tokens"`
	Stored      int    `json:"stored"`
	Dir         string `json:"dir"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List galleries with saved progress",
	Long: `List every gallery whose state is held in the metadata cache, with
the number of resolved page tokens and pages already on disk.

Examples:
  spider list
  spider list -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		eng, err := env.openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine(eng, env.logger)

		out, err := listGalleries(eng.Store, env.home)
		if err != nil {
			return err
		}
		return api.Output(out)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func listGalleries(store *persist.Store, h *home.Dir) ([]StoredGallery, error) {
	out := []StoredGallery{}
	for _, st := range store.List() {
		g := StoredGallery{
			GID:         st.GID,
			Token:       st.Token,
			Pages:       st.Pages,
			KnownTokens: len(st.KnownIndices()),
			Dir:         h.GalleryDir(st.GID),
		}
		stored, err := storedPages(g.Dir)
		if err != nil {
			return nil, err
		}
		g.Stored = len(stored)
		out = append(out, g)
	}
	return out, nil
}
