package cli

import (
	"github.com/spf13/cobra"

	"github.com/lazypower/resonance/internal/client"
)

var (
	configPath string
	dbPath     string
	serverURL  string
	localOnly  bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "resonance",
	Short: "Associative long-term memory for conversational agents",
	Long: "Resonance stores interactions as memory atoms and recalls them by fusing\n" +
		"semantic, temporal, emotional and contextual signals. Single Go binary.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.resonance/config.yaml)")
	pf.StringVar(&dbPath, "db", "", "database path (overrides config)")
	pf.StringVar(&serverURL, "server", "", "server URL (default $RESONANCE_URL or "+client.DefaultServerURL+")")
	pf.BoolVar(&localOnly, "local", false, "skip the server and open the database directly")
	pf.BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(lineageCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(ingestCmd)
}
