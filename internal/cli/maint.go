package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/resonance/internal/ingest"
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Run one forgetting sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.engine.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, faded %d, tombstoned %d in %s\n",
			stats.Scanned, stats.Faded, stats.Tombstoned, stats.Duration)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed memories missing vectors and rebuild the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		embedded, err := a.engine.EmbedMissing(cmd.Context())
		if err != nil {
			return err
		}
		n, err := a.engine.RebuildIndex(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "embedded %d, indexed %d\n", embedded, n)
		return nil
	},
}

// --- ingest command ---

var ingestMeta ingest.Meta

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Import conversations or files as memories",
}

var ingestConversationCmd = &cobra.Command{
	Use:   "conversation [path.jsonl]",
	Short: "Import a JSONL conversation log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd, args[0], (*ingest.Ingester).Conversation)
	},
}

var ingestFileCmd = &cobra.Command{
	Use:   "file [path]",
	Short: "Import a text file as chunked memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd, args[0], (*ingest.Ingester).File)
	},
}

type ingestFunc func(*ingest.Ingester, context.Context, string, ingest.Meta) (ingest.Report, error)

func runIngest(cmd *cobra.Command, path string, run ingestFunc) error {
	a, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	in := ingest.New(a.engine, ingest.Config{
		ChunkSize:    a.cfg.Ingest.ChunkSize,
		ChunkOverlap: a.cfg.Ingest.ChunkOverlap,
	}, a.log)
	rep, err := run(in, cmd.Context(), path, ingestMeta)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), rep)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d, duplicates %d, failed %d (root %s)\n",
		rep.Stored, rep.Duplicates, rep.Failed, rep.RootID)
	return nil
}

func init() {
	pf := ingestCmd.PersistentFlags()
	pf.StringVar(&ingestMeta.SessionID, "session", "", "session id")
	pf.StringVar(&ingestMeta.UserID, "user", "", "user id")
	pf.StringVar(&ingestMeta.Topic, "topic", "", "topic")

	ingestCmd.AddCommand(ingestConversationCmd)
	ingestCmd.AddCommand(ingestFileCmd)
}
