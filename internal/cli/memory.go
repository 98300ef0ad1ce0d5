package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/resonance/internal/client"
	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
)

// remote returns a client for a healthy server, or nil when the command
// should open the database itself.
func remote(ctx context.Context) *client.Client {
	if localOnly {
		return nil
	}
	c := client.New(serverURL)
	if c.Healthy(ctx) {
		return c
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func printAtoms(w io.Writer, atoms []store.MemoryAtom) error {
	if jsonOut {
		for i := range atoms {
			atoms[i].Embedding = nil
		}
		return printJSON(w, atoms)
	}
	if len(atoms) == 0 {
		fmt.Fprintln(w, "No memories.")
		return nil
	}
	for _, a := range atoms {
		ts := time.UnixMilli(a.CreatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s  [%s] %s\n", a.ID, ts, oneLine(a.Text(), 100))
	}
	return nil
}

// --- store command ---

var storeReq engine.StoreRequest
var storeType string

var storeCmd = &cobra.Command{
	Use:   "store [text]",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStore,
}

func runStore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := storeReq
	req.UserText = strings.Join(args, " ")
	req.MemoryType = store.MemoryType(storeType)
	req.Source = "cli"

	var res engine.StoreResult
	if c := remote(ctx); c != nil {
		var err error
		if res, err = c.Store(ctx, req); err != nil {
			return err
		}
	} else {
		a, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if res, err = a.engine.Store(ctx, req); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "%s %s\n", res.Status, res.ID)
	if len(res.Degraded) > 0 {
		fmt.Fprintf(out, "  degraded: %s\n", strings.Join(res.Degraded, ", "))
	}
	return nil
}

// --- recall command ---

var (
	recallCtx        recall.Context
	recallLimit      int
	recallDeadline   time.Duration
	recallNoFallback bool
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall memories",
	Long:  "Recall memories related to the query. With no query, surfaces strongly charged memories.",
	RunE:  runRecall,
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	query := strings.Join(args, " ")
	opts := recall.Options{Limit: recallLimit, Deadline: recallDeadline, DisableFallback: recallNoFallback}

	var resp recall.Response
	if c := remote(ctx); c != nil {
		var err error
		if resp, err = c.Recall(ctx, query, recallCtx, opts); err != nil {
			return err
		}
	} else {
		a, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		resp = a.engine.Recall(ctx, query, recallCtx, opts)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, resp)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "Nothing comes to mind.")
		return nil
	}
	for i, r := range resp.Results {
		var marks []string
		if r.Reflex {
			marks = append(marks, "reflex")
		}
		if r.Override {
			marks = append(marks, "trigger")
		}
		if r.Fallback {
			marks = append(marks, "vague")
		}
		marks = append(marks, r.Strategies...)
		fmt.Fprintf(out, "%d. [%.3f] %s (%s)\n", i+1, r.Score, r.Atom.ID, strings.Join(marks, ", "))
		fmt.Fprintf(out, "   %s\n", oneLine(r.Atom.Text(), 200))
	}
	if rep := resp.Report; len(rep.TimedOut) > 0 || len(rep.Failed) > 0 {
		fmt.Fprintf(out, "\n(partial: timed out %v, failed %d)\n", rep.TimedOut, len(rep.Failed))
	}
	return nil
}

// --- get / chain / lineage / link ---

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		atom, err := a.engine.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := *atom
		out.Embedding = nil
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain [id]",
	Short: "Show a memory's ancestry, root first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		atoms, err := a.engine.Chain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAtoms(cmd.OutOrStdout(), atoms)
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage [id]",
	Short: "Show a memory's descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		atoms, err := a.engine.Lineage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAtoms(cmd.OutOrStdout(), atoms)
	},
}

var linkLateral bool

var linkCmd = &cobra.Command{
	Use:   "link [parent-id] [child-id]",
	Short: "Make one memory the parent of another",
	Long:  "Make one memory the parent of another. With --lateral, record a symmetric link instead.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openLocal(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if linkLateral {
			if err := a.engine.Relate(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s <-> %s\n", args[0], args[1])
			return nil
		}
		if err := a.engine.Link(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "linked %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	f := storeCmd.Flags()
	f.StringVar(&storeReq.SystemText, "reply", "", "the system's reply")
	f.StringVar(&storeReq.EmotionLabel, "emotion", "", "emotion label")
	f.Float64Var(&storeReq.EmotionIntensity, "intensity", 0, "emotion intensity in [0,1]")
	f.StringSliceVar(&storeReq.BeliefTags, "belief", nil, "belief tags")
	f.Float64Var(&storeReq.ResonanceScore, "resonance", 0, "resonance score in [0,1]")
	f.Float64Var(&storeReq.RecallPriority, "priority", 0, "recall priority in [0,1]")
	f.BoolVar(&storeReq.Reflex, "reflex", false, "always surface when matched")
	f.StringVar(&storeReq.ParentID, "parent", "", "parent memory id")
	f.StringVar(&storeType, "type", "", "memory type: general, summary, conversation, file_chunk")
	f.StringVar(&storeReq.SessionID, "session", "", "session id")
	f.StringVar(&storeReq.UserID, "user", "", "user id")
	f.StringVar(&storeReq.Topic, "topic", "", "topic")

	f = recallCmd.Flags()
	f.IntVarP(&recallLimit, "limit", "n", 0, "maximum number of results (default from config)")
	f.DurationVar(&recallDeadline, "deadline", 0, "soft deadline (default from config)")
	f.BoolVar(&recallNoFallback, "no-fallback", false, "disable the low-confidence fallback pass")
	f.StringVar(&recallCtx.SessionID, "session", "", "session id")
	f.StringVar(&recallCtx.UserID, "user", "", "user id")
	f.StringVar(&recallCtx.Topic, "topic", "", "topic")
	f.StringVar(&recallCtx.Emotion, "emotion", "", "current emotion")
	f.StringVar(&recallCtx.TimeTag, "time", "", "time expression, e.g. yesterday or \"3 days ago\"")
	f.StringSliceVar(&recallCtx.Beliefs, "belief", nil, "belief tags")
	f.StringVar(&recallCtx.ParentID, "parent", "", "follow this memory's chain")

	linkCmd.Flags().BoolVar(&linkLateral, "lateral", false, "record a symmetric link instead of a parent edge")
}
