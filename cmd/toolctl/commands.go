package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/toolmind/agent/internal/store"
)

type clientFactory func() (toolClient, error)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func listCmd(newClient clientFactory) *cobra.Command {
	var activeOnly, excludeBugged bool
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			tools, err := c.List(context.Background(), activeOnly, excludeBugged, category)
			if err != nil {
				return err
			}
			return printJSON(tools)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only list active tools")
	cmd.Flags().BoolVar(&excludeBugged, "exclude-bugged", false, "exclude bugged tools")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	return cmd
}

func getCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one tool by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			t, err := c.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func searchCmd(newClient clientFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank catalog tools against a natural-language query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			hits, err := c.Search(context.Background(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(hits)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 3, "maximum results")
	return cmd
}

// createCmd reads a store.ToolSpec as JSON from a file (or stdin with "-")
// and creates it.
func createCmd(newClient clientFactory) *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tool from a JSON spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := readSpecFile(specFile)
			if err != nil {
				return err
			}
			var spec store.ToolSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			t, err := c.Create(context.Background(), spec)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	cmd.Flags().StringVar(&specFile, "file", "", "path to a JSON tool spec, or - for stdin")
	return cmd
}

func readSpecFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func executeCmd(newClient clientFactory) *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Run a tool in the sandbox and record the outcome against the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			result, err := c.Execute(context.Background(), args[0], toolArgs)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"result": result})
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "JSON object of tool arguments")
	return cmd
}

func deactivateCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a tool so it is no longer offered to searches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			t, err := c.Deactivate(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func clearBugsCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-bugs <id>",
		Short: "Clear a tool's bug log and bugged flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			t, err := c.ClearBugs(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func buggedCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "bugged",
		Short: "List tools currently flagged as bugged",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			tools, err := c.ListBugged(context.Background())
			if err != nil {
				return err
			}
			return printJSON(tools)
		},
	}
}
