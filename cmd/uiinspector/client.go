// Copyright 2025 Joseph Cumines
//
// gRPC client commands

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/joeycumines/uiinspector/internal/action"
	"github.com/joeycumines/uiinspector/internal/grpcapi"
	"github.com/joeycumines/uiinspector/internal/server/tools"
)

// withClient dials the inspector and runs fn under the command deadline.
func withClient(cmd *cobra.Command, global *globalOptions, fn func(ctx context.Context, c *grpcapi.Client) error) error {
	client, conn, err := grpcapi.Dial(global.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	if global.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, global.timeout)
		defer cancel()
	}
	return fn(ctx, client)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// parseJSONObject decodes a JSON object flag value. Empty is nil.
func parseJSONObject(flag, s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}

func newTreeCmd(global *globalOptions) *cobra.Command {
	var force, asJSON bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the UI tree",
		Long: `Print the current snapshot of the UI tree. Terminals get an outline,
anything else gets JSON.

Example:
  uiinspector tree --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, global, func(ctx context.Context, c *grpcapi.Client) error {
				root, err := c.BuildTree(ctx, force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !asJSON && isTerminal(out) {
					_, err = fmt.Fprintln(out, renderTree(root))
					return err
				}
				return printJSON(out, root)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild the snapshot even if it is fresh")
	cmd.Flags().BoolVar(&asJSON, "json", false, "always print JSON")
	return cmd
}

func newFindCmd(global *globalOptions) *cobra.Command {
	var (
		identifierType string
		criteria       string
		all            bool
	)
	cmd := &cobra.Command{
		Use:   "find [identifier]",
		Short: "Find elements by identifier or criteria",
		Long: `Find one element by identifier, or search with criteria.

Criteria keys are property names, optionally with an operator suffix
(.contains, .startsWith, .gt, .lt, ...).

Example:
  uiinspector find submit
  uiinspector find "Sign in" --type accessibilityLabel
  uiinspector find --criteria '{"kind":"Button","frame.width.gt":100}' --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crit, err := parseJSONObject("criteria", criteria)
			if err != nil {
				return err
			}
			if (crit == nil) == (len(args) == 0) {
				return fmt.Errorf("give either an identifier or --criteria")
			}
			return withClient(cmd, global, func(ctx context.Context, c *grpcapi.Client) error {
				if crit == nil {
					el, err := c.FindElement(ctx, args[0], identifierType)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), el)
				}
				res, err := c.FindElements(ctx, crit, all)
				if err != nil {
					return err
				}
				for _, d := range res.Diagnostics {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: criteria %q: %s\n", d.Key, d.Msg)
				}
				return printJSON(cmd.OutOrStdout(), res.Elements)
			})
		},
	}
	cmd.Flags().StringVar(&identifierType, "type", "testID", "identifier property: testID, accessibilityLabel or nativeID")
	cmd.Flags().StringVar(&criteria, "criteria", "", "JSON object of criteria")
	cmd.Flags().BoolVar(&all, "all", false, "return every match instead of the first")
	return cmd
}

func newGetCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Print one element's metadata",
		Long: `Print the metadata of the element at a path such as "2.1". Without a
path the root is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) > 0 {
				path = args[0]
			}
			return withClient(cmd, global, func(ctx context.Context, c *grpcapi.Client) error {
				el, err := c.GetElementMetadata(ctx, path)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), el)
			})
		},
	}
}

func newActCmd(global *globalOptions) *cobra.Command {
	var (
		params   string
		text     string
		async    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "act <action> <path>",
		Short: "Perform an action on an element",
		Long: `Perform tap, longPress, setText, clearText or scrollToVisible on the
element at path. The result is printed; a failed action exits non-zero.

With --async the action is started as an operation and polled until it
completes.

Example:
  uiinspector act tap 1.1.0
  uiinspector act setText 2.0 --text ada
  uiinspector act longPress 1.1.1 --params '{"durationMs":800}' --async`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseJSONObject("params", params)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("text") {
				if p == nil {
					p = map[string]any{}
				}
				p["text"] = text
			}
			req := action.Request{Kind: action.Kind(args[0]), TargetPath: args[1], Parameters: p}

			return withClient(cmd, global, func(ctx context.Context, c *grpcapi.Client) error {
				var (
					res action.Result
					err error
				)
				if async {
					res, err = performAsync(ctx, cmd.ErrOrStderr(), c, req, interval)
				} else {
					res, err = c.PerformAction(ctx, req, interval)
				}
				if res.Stage != "" {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "JSON object of action parameters")
	cmd.Flags().StringVar(&text, "text", "", "text parameter, for setText")
	cmd.Flags().BoolVar(&async, "async", false, "start the action as an operation and poll it")
	cmd.Flags().DurationVar(&interval, "interval", tools.DefaultPollInterval, "operation poll interval")
	return cmd
}

func performAsync(ctx context.Context, stderr io.Writer, c *grpcapi.Client, req action.Request, interval time.Duration) (action.Result, error) {
	op, err := c.StartAction(ctx, req, false)
	if err != nil {
		return action.Result{}, err
	}
	fmt.Fprintf(stderr, "started %s\n", op.GetName())
	if !op.GetDone() {
		op, err = tools.PollUntilComplete(ctx, c.Operations(), op.GetName(), interval)
		if err != nil && !op.GetDone() {
			return action.Result{}, err
		}
	}
	return grpcapi.OperationResult(op)
}
