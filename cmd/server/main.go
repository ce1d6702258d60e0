package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "fixmatch",
		Short:         "FIX order matching venue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newHashPasswordCommand(),
		newConfigCommand(),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("fixmatch exiting")
		os.Exit(1)
	}
}
