package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <gid>",
	Short: "Bundle a downloaded gallery into a PDF",
	Long: `Write every stored page of a gallery, in page order, into one PDF.

Pages missing from disk are skipped and listed in the output. By default
the PDF is written to <home>/exports/<gid>.pdf.

Examples:
  spider export 123
  spider export 123 --out ~/gallery.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || gid < 1 {
			return fmt.Errorf("invalid gallery id %q", args[0])
		}

		env, err := loadEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		out := exportOut
		if out == "" {
			if err := env.home.EnsureExportsDir(); err != nil {
				return err
			}
			out = env.home.ExportPath(gid)
		}

		res, err := export.PDF(cmd.Context(), export.Request{
			Dir:    env.home.GalleryDir(gid),
			Out:    out,
			Logger: env.logger,
		})
		if err != nil {
			return err
		}
		return api.Output(res)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "PDF path (default: <home>/exports/<gid>.pdf)")
	rootCmd.AddCommand(exportCmd)
}
