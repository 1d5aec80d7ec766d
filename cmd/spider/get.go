package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/spider"
)

var (
	getDir   string
	getForce bool
)

// SavedPage is one page written by the get command.
type SavedPage struct {
	Index int    `json:"index"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

var getCmd = &cobra.Command{
	Use:   "get <gid/token | gallery-url> <index>...",
	Short: "Fetch single pages and copy them out",
	Long: `Open a gallery in read mode, fetch the given pages (0-based) and copy
each finished page into --dir as <gid>-<page>.<ext>.

Examples:
  spider get 123/abcdef0123 0 1 2
  spider get 123/abcdef0123 5 --dir ~/Pictures --force`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := gallery.ParseRef(args[0])
		if err != nil {
			return err
		}
		indices := make([]int, 0, len(args)-1)
		for _, arg := range args[1:] {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid page index %q", arg)
			}
			indices = append(indices, n)
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

		h, err := eng.Registry.Obtain(info, spider.ModeRead)
		if err != nil {
			return err
		}
		defer eng.Registry.Release(h)

		l := newProgressListener(info.GID, &progress{out: cmd.ErrOrStderr()})
		h.Queen.AddListener(l)
		defer h.Queen.RemoveListener(l)

		saved := make([]SavedPage, 0, len(indices))
		var failed int
		for _, index := range indices {
			page := fetchPage(ctx, h.Queen, l, index, getForce)
			if page.Error == "" {
				name := fmt.Sprintf("%d-%08d", info.GID, index+1)
				page.Path, err = h.Queen.SaveTo(index, getDir, name)
				if err != nil {
					page.Error = err.Error()
				}
			}
			if page.Error != "" {
				failed++
			}
			saved = append(saved, page)
			if ctx.Err() != nil {
				break
			}
		}

		if err := api.Output(saved); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d pages not saved", failed, len(indices))
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringVarP(&getDir, "dir", "d", ".", "Directory to copy pages into")
	getCmd.Flags().BoolVar(&getForce, "force", false, "Download again even if already stored")
	rootCmd.AddCommand(getCmd)
}

// fetchPage requests index and waits until it is finished or failed.
func fetchPage(ctx context.Context, q *spider.Queen, l *progressListener, index int, force bool) SavedPage {
	page := SavedPage{Index: index}
	request := q.Request
	if force {
		request = q.ForceRequest
	}
	if _, err := request(index); err != nil {
		page.Error = err.Error()
		return page
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		s := q.Snapshot()
		switch {
		case s.Err != "":
			page.Error = s.Err
			return page
		case s.Pages >= 0 && index >= s.Pages:
			page.Error = fmt.Sprintf("%v: %d", spider.ErrOutOfRange, index)
			return page
		case index < len(s.Statuses) && s.Statuses[index] == spider.StatusFinished:
			return page
		case index < len(s.Statuses) && s.Statuses[index] == spider.StatusFailed:
			page.Error = s.Errors[index]
			if page.Error == "" {
				page.Error = "download failed"
			}
			return page
		}
		select {
		case <-ctx.Done():
			page.Error = ctx.Err().Error()
			return page
		case <-l.wake:
		case <-ticker.C:
		}
	}
}
