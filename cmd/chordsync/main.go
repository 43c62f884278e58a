// Command chordsync runs the chord practice service.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/chordsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "chordsync",
	Short: "Play along with a backing track, one chord checkpoint at a time",
	Long: `chordsync plays a backing track, pauses at chord checkpoints and waits
for the learner to play the expected chord before continuing.`,
	SilenceUsage: true,
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

// initLogger installs a text slog handler at the configured level.
func initLogger(cfg config.Config) *slog.Logger {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)
	return log
}
