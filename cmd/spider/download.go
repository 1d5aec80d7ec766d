package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/spider"
)

var (
	downloadParallel int
	downloadQuiet    bool
)

// DownloadResult summarizes one gallery's download sweep.
type DownloadResult struct {
	GID         int64  `json:"gid"`
	Token       string `json:"token"`
	Dir         string `json:"dir"`
	Pages       int    `json:"pages"`
	Finished    int    `json:"finished"`
	Downloaded  int    `json:"downloaded"`
	FailedPages []int  `json:"failed_pages,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DownloadSummary is the output of the download command.
type DownloadSummary struct {
	Galleries []DownloadResult `json:"galleries"`
}

var downloadCmd = &cobra.Command{
	Use:   "download <gid/token | gallery-url>...",
	Short: "Download whole galleries",
	Long: `Download every page of one or more galleries into the home directory.

Pages already on disk are kept. Pages that failed in an earlier run are
retried. A summary is printed when every gallery has been swept.

The metadata cache is held exclusively, so this command cannot run while
"spider serve" uses the same home directory.

Examples:
  spider download 123/abcdef0123
  spider download https://example.org/g/123/abcdef0123/ 456/0123456789`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refs := make([]gallery.Info, 0, len(args))
		for _, arg := range args {
			info, err := gallery.ParseRef(arg)
			if err != nil {
				return err
			}
			refs = append(refs, info)
		}

		env, err := loadEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx := cmd.Context()
		eng, err := env.openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeEngine(eng, env.logger)

		p := &progress{out: cmd.ErrOrStderr(), quiet: downloadQuiet}
		results := make([]DownloadResult, len(refs))

		var g errgroup.Group
		g.SetLimit(max(downloadParallel, 1))
		for i, info := range refs {
			g.Go(func() error {
				results[i] = downloadGallery(ctx, eng.Registry, info, eng.Home.GalleryDir(info.GID), p)
				return nil
			})
		}
		g.Wait()

		if err := api.Output(DownloadSummary{Galleries: results}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return summaryError(results)
	},
}

func init() {
	downloadCmd.Flags().IntVar(&downloadParallel, "parallel", 2, "Galleries downloaded at the same time")
	downloadCmd.Flags().BoolVarP(&downloadQuiet, "quiet", "q", false, "Only print the summary")
	rootCmd.AddCommand(downloadCmd)
}

// downloadGallery holds a download reference on info until every page is
// finished or failed, or ctx is cancelled.
func downloadGallery(ctx context.Context, reg *spider.Registry, info gallery.Info, dir string, p *progress) DownloadResult {
	res := DownloadResult{GID: info.GID, Token: info.Token, Dir: dir}
	h, err := reg.Obtain(info, spider.ModeDownload)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer reg.Release(h)

	l := newProgressListener(info.GID, p)
	h.Queen.AddListener(l)
	defer h.Queen.RemoveListener(l)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		s := h.Queen.Snapshot()
		if sweepDone(s) {
			res.fill(s)
			return res
		}
		select {
		case <-ctx.Done():
			res.fill(h.Queen.Snapshot())
			res.Error = ctx.Err().Error()
			return res
		case <-l.wake:
		case <-ticker.C:
		}
	}
}

// sweepDone reports whether a download session has nothing left to do.
func sweepDone(s spider.Snapshot) bool {
	if s.Err != "" || s.Phase == spider.PhaseStopped {
		return true
	}
	if s.Pages < 0 || len(s.Statuses) != s.Pages {
		return false
	}
	for _, st := range s.Statuses {
		if st != spider.StatusFinished && st != spider.StatusFailed {
			return false
		}
	}
	return true
}

func (r *DownloadResult) fill(s spider.Snapshot) {
	r.Pages = s.Pages
	r.Finished = s.Counts.Finished
	r.Downloaded = s.Counts.Downloaded
	r.FailedPages = r.FailedPages[:0]
	for i, st := range s.Statuses {
		if st == spider.StatusFailed {
			r.FailedPages = append(r.FailedPages, i)
		}
	}
	if s.Err != "" {
		r.Error = s.Err
	}
}

func summaryError(results []DownloadResult) error {
	var galleries, pages int
	for _, r := range results {
		if r.Error != "" {
			galleries++
		}
		pages += len(r.FailedPages)
	}
	switch {
	case galleries > 0:
		return fmt.Errorf("%d of %d galleries could not be downloaded", galleries, len(results))
	case pages > 0:
		return fmt.Errorf("%d pages failed", pages)
	}
	return nil
}
