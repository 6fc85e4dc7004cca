package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/changefeed/internal/client"
	"github.com/alfredjeanlab/changefeed/internal/ui"
)

var (
	httpURL      string
	authToken    string
	sessionToken string
	jsonOutput   bool
	noColor      bool

	feedClient client.Client
)

func defaultHTTPURL() string {
	if s := os.Getenv("CHANGEFEED_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:   "changefeed <command>",
	Short: "Real-time change feed and entity cache",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor(os.Stdout) {
			ui.ForceNoColor()
		}
		feedClient = client.NewHTTPClient(httpURL,
			client.WithToken(authToken),
			client.WithSession(sessionToken),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if feedClient != nil {
			feedClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("CHANGEFEED_AUTH_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&sessionToken, "session", os.Getenv("CHANGEFEED_SESSION"), "session token (X-Session)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "feed", Title: "Feed:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	cobra.EnableCommandSorting = false
	rootCmd.SilenceUsage = true

	// Feed
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(emitCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
