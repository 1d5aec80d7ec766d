package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/spider/internal/api"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <gid>",
	Short: "Drop the saved progress of a gallery",
	Long: `Remove a gallery's state from the metadata cache and its download
directory. Downloaded pages stay on disk; the next download fetches the
gallery metadata again.

Examples:
  spider forget 123`,
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

		eng, err := env.openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine(eng, env.logger)

		if err := eng.Store.Forget(gid); err != nil {
			return err
		}
		return api.Output(map[string]any{"gid": gid, "forgotten": true})
	},
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}
