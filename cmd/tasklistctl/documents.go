package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/viz"
)

var (
	formatFlag string
	outFlag    string
	fileFlag   string
)

var renderCmd = &cobra.Command{
	Use:   "render [list-id]",
	Short: "Render a document's change graph with the order at each change",
	Long: `Render lays out the change graph of a list's live document, or of a dumped
document given with --file, as SVG or Graphviz dot.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := viz.ParseFormat(formatFlag)
		if err != nil {
			return err
		}
		doc, err := documentFrom(cmd, args)
		if err != nil {
			return err
		}
		if outFlag == "" {
			history, err := doc.History()
			if err != nil {
				return err
			}
			return viz.Render(history, format, cmd.OutOrStdout())
		}
		if err := viz.RenderToFile(doc, format, outFlag); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "rendered file://%s\n", outFlag)
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <list-id> <output-file>",
	Short: "Write a list's raw document bytes to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		rec, err := loadRecord(cmd.Context(), db, args[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], rec.Document, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dumped %d bytes to %s\n", len(rec.Document), args[1])
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the order, heads and changes of a dumped document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		doc, err := crdt.Decode(raw)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		order, err := doc.ReadOrder()
		if err != nil {
			fmt.Fprintf(out, "order:   invalid (%v)\n", err)
		} else {
			fmt.Fprintf(out, "order:   %s\n", strings.Join(order, ", "))
		}
		fmt.Fprintf(out, "heads:   %s\n", strings.Join(doc.Heads(), ", "))

		history, err := doc.History()
		if err != nil {
			return err
		}
		for i, change := range history {
			fmt.Fprintf(out, "%4d %s %s@%d %q -> %s\n", i, change.Hash[:8], viz.ActorName(change.Actor), change.Seq, change.Message, strings.Join(change.Order, ","))
		}
		return nil
	},
}

func documentFrom(cmd *cobra.Command, args []string) (*crdt.Document, error) {
	if fileFlag != "" {
		raw, err := os.ReadFile(fileFlag)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return crdt.Decode(raw)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected a list id or --file")
	}
	db, _, err := openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rec, err := loadRecord(cmd.Context(), db, args[0])
	if err != nil {
		return nil, err
	}
	return crdt.Decode(rec.Document)
}

func init() {
	renderCmd.Flags().StringVar(&formatFlag, "format", "svg", "output format, svg or dot")
	renderCmd.Flags().StringVarP(&outFlag, "out", "o", "", "output file (default stdout)")
	renderCmd.Flags().StringVar(&fileFlag, "file", "", "render a dumped document instead of a list")

	rootCmd.AddCommand(renderCmd, dumpCmd, inspectCmd)
}
