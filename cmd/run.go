package cmd

import (
	"log"

	"github.com/arcward/clientele/clientele"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Clientele bot and its automation API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := clientele.New(cfg)
			if err != nil {
				log.Fatalf("error creating clientele: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running clientele: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
