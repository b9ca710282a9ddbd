package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zenin797/SunoTherapist/app"
	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

func init() {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and delete stored memories",
	}

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a user's memories by similarity",
		Long: "Search a user's memories by similarity.\n\n" +
			"--where takes a CEL expression over content, kind and metadata, e.g.\n" +
			"  metadata.thread_id == \"t1\" && content.contains(\"tea\")",
		Args: cobra.MinimumNArgs(1),
		Run:  runMemorySearch,
	}
	search.Flags().StringP("user", "u", "", "User id (required)")
	search.Flags().StringP("kind", "k", string(memory.KindGeneral), "Memory kind: episodic, semantic, procedural or general")
	search.Flags().IntP("limit", "l", 10, "Max results")
	search.Flags().StringP("where", "w", "", "CEL filter")
	search.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's memories, newest first",
		Run:   runMemoryList,
	}
	list.Flags().StringP("user", "u", "", "User id (required)")
	list.Flags().StringP("kind", "k", string(memory.KindGeneral), "Memory kind: episodic, semantic, procedural or general")
	list.Flags().IntP("limit", "l", 50, "Max results (0 for all)")
	list.Flags().StringP("where", "w", "", "CEL filter")
	list.MarkFlagRequired("user")

	rm := &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryRm,
	}
	rm.Flags().StringP("user", "u", "", "User id (required)")
	rm.Flags().StringP("kind", "k", "", "Memory kind (default: try every kind)")
	rm.MarkFlagRequired("user")

	memCmd.AddCommand(search, list, rm)
	RootCmd.AddCommand(memCmd)
}

type memoryFlags struct {
	rc     core.RunContext
	kind   memory.Kind
	limit  int
	filter memory.Filter
}

func parseMemoryFlags(cmd *cobra.Command) (*memoryFlags, error) {
	user, _ := cmd.Flags().GetString("user")
	kindStr, _ := cmd.Flags().GetString("kind")
	f := &memoryFlags{rc: core.RunContext{UserID: user}}

	if kindStr != "" {
		kind, err := memory.ParseKind(kindStr)
		if err != nil {
			return nil, err
		}
		f.kind = kind
	}
	if cmd.Flags().Lookup("limit") != nil {
		f.limit, _ = cmd.Flags().GetInt("limit")
	}
	if cmd.Flags().Lookup("where") != nil {
		where, _ := cmd.Flags().GetString("where")
		if where != "" {
			filter, err := memory.CELFilter(where)
			if err != nil {
				return nil, err
			}
			f.filter = filter
		}
	}
	return f, nil
}

func runMemorySearch(cmd *cobra.Command, args []string) {
	f, err := parseMemoryFlags(cmd)
	if err != nil {
		exitErr("parse flags", err)
	}
	a, err := openApp(cmd.Context(), app.MemoryOnly())
	if err != nil {
		exitErr("open memory", err)
	}
	defer a.Close()

	var filters []memory.Filter
	if f.filter != nil {
		filters = append(filters, f.filter)
	}
	hits, err := a.Manager.SearchRecords(cmd.Context(), f.rc, f.kind, strings.Join(args, " "), f.limit, filters...)
	if err != nil {
		exitErr("search", err)
	}
	printJSON(cmd.OutOrStdout(), hits)
}

func runMemoryList(cmd *cobra.Command, args []string) {
	f, err := parseMemoryFlags(cmd)
	if err != nil {
		exitErr("parse flags", err)
	}
	a, err := openApp(cmd.Context(), app.MemoryOnly())
	if err != nil {
		exitErr("open memory", err)
	}
	defer a.Close()

	records, err := a.Manager.List(cmd.Context(), f.rc, f.kind)
	if err != nil {
		exitErr("list", err)
	}
	printJSON(cmd.OutOrStdout(), filterRecords(records, f.filter, f.limit))
}

func filterRecords(records []*memory.Record, filter memory.Filter, limit int) []*memory.Record {
	out := make([]*memory.Record, 0, len(records))
	for _, r := range records {
		if filter != nil && !filter(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func runMemoryRm(cmd *cobra.Command, args []string) {
	f, err := parseMemoryFlags(cmd)
	if err != nil {
		exitErr("parse flags", err)
	}
	a, err := openApp(cmd.Context(), app.MemoryOnly())
	if err != nil {
		exitErr("open memory", err)
	}
	defer a.Close()

	kind, err := deleteMemory(cmd, a.Manager, f, args[0])
	if err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q,"kind":%q}`+"\n", args[0], kind)
}

// deleteMemory removes id from f.kind, or from the first kind holding it
// when no kind was given.
func deleteMemory(cmd *cobra.Command, mgr *memory.Manager, f *memoryFlags, id string) (memory.Kind, error) {
	kinds := memory.Kinds
	if f.kind != "" {
		kinds = []memory.Kind{f.kind}
	}
	for _, kind := range kinds {
		_, err := mgr.Manage(cmd.Context(), f.rc, memory.OpDelete, kind, nil, id)
		if err == nil {
			return kind, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return "", err
		}
	}
	return "", core.NotFoundf("memory %s", id)
}

func printJSON(w io.Writer, v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}
