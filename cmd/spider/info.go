package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/den"
	"github.com/jackzampolin/spider/internal/ehclient"
	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
)

// GalleryInfo describes a gallery on the host and on disk.
type GalleryInfo struct {
	GID          int64  `json:"gid"`
	Token        string `json:"token"`
	Pages        int    `json:"pages"`
	PreviewPages int    `json:"preview_pages"`
	PerPreview   int    `json:"per_preview"`
	Dir          string `json:"dir"`
	Stored       int    `json:"stored"`
}

var infoCmd = &cobra.Command{
	Use:   "info <gid/token | gallery-url>",
	Short: "Show a gallery's size and local progress",
	Long: `Fetch the first detail page of a gallery and report its page count
next to the number of pages already stored locally.

Examples:
  spider info 123/abcdef0123
  spider info 123/abcdef0123 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := gallery.ParseRef(args[0])
		if err != nil {
			return err
		}

		env, err := loadEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		cfg := env.config.Get()
		client := ehclient.New(ehclient.Config{
			UserAgent:         cfg.HTTP.UserAgent,
			Timeout:           cfg.HTTP.Timeout,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
			BreakerFailures:   cfg.HTTP.BreakerFailures,
			Logger:            env.logger,
		})
		urls := ehclient.NewURLs(cfg.HTTP.BaseURL)

		body, err := ehclient.ReadText(cmd.Context(), client, urls.Detail(info.GID, info.Token, 0))
		if err != nil {
			return err
		}
		detail, err := ehparse.Parser{}.ParseDetail(body)
		if err != nil {
			return err
		}

		out := GalleryInfo{
			GID:          info.GID,
			Token:        info.Token,
			Pages:        detail.Pages,
			PreviewPages: detail.PreviewPages,
			PerPreview:   len(detail.Previews),
			Dir:          env.home.GalleryDir(info.GID),
		}
		stored, err := storedPages(out.Dir)
		if err != nil {
			return err
		}
		out.Stored = len(stored)
		return api.Output(out)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// storedPages lists the page indices in dir without creating it.
func storedPages(dir string) ([]int, error) {
	d, err := den.Open(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.Pages()
}
