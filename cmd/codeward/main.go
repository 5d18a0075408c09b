package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codeward/internal/config"
	"codeward/internal/diff"
	"codeward/internal/logging"
	"codeward/internal/session"
	"codeward/internal/validate"
)

var (
	// Global flags
	workspace  string
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "codeward",
	Short: "codeward - validated code editing with retrieval",
	Long: `codeward edits files through validated, revisioned buffers and keeps a
retrieval index of the workspace in sync with every commit.

Edits are parsed and linted before they land; rejected edits change nothing.
Every accepted edit is undoable and immediately searchable.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve working directory: %w", err)
			}
			workspace = wd
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initCmd writes the default configuration into the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize codeward in the workspace",
	Long: `Creates the .codeward/ directory with a default config.yaml.

Run this once per workspace; all settings can be edited afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("already initialized: %s exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Initialized codeward workspace: %s\n", path)
		return nil
	},
}

// viewCmd prints numbered file content
var viewCmd = &cobra.Command{
	Use:   "view [path]",
	Short: "Show numbered file content",
	Long: `Prints the file with line numbers. Use --range to narrow the output:
  codeward view main.go --range 10:40
  codeward view main.go --range 10:-1   # from line 10 to the end`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(viewRange)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session.Session) error {
			out, err := s.View(args[0], start, end)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

// createCmd makes a new validated file
var createCmd = &cobra.Command{
	Use:   "create [path]",
	Short: "Create a new file from stdin or --content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(createContent)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session.Session) error {
			res, err := s.Create(ctx, args[0], content)
			if err != nil {
				return err
			}
			printResult(res.Path, res.Revision, res.Snippet, res.Warnings)
			return nil
		})
	},
}

// insertCmd adds text after a line
var insertCmd = &cobra.Command{
	Use:   "insert [path] [line]",
	Short: "Insert text after the given line (0 inserts at the top)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid line number %q", args[1])
		}
		text, err := readContent(insertText)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, err := s.Open(args[0]); err != nil {
				return err
			}
			res, err := s.Insert(ctx, args[0], line, text)
			if err != nil {
				return err
			}
			printResult(res.Path, res.Revision, res.Snippet, res.Warnings)
			return nil
		})
	},
}

// replaceCmd replaces a line range
var replaceCmd = &cobra.Command{
	Use:   "replace [path] [start:end]",
	Short: "Replace a line range with text from stdin or --content",
	Long: `Replaces lines start through end (inclusive, 1-indexed). An empty
range like 5:4 inserts before line 5 without removing anything.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRange(args[1])
		if err != nil {
			return err
		}
		text, err := readContent(replaceContent)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, err := s.Open(args[0]); err != nil {
				return err
			}
			res, err := s.ReplaceRange(ctx, args[0], start, end, text)
			if err != nil {
				return err
			}
			printResult(res.Path, res.Revision, res.Snippet, res.Warnings)
			return nil
		})
	},
}

// strReplaceCmd substitutes a unique string occurrence
var strReplaceCmd = &cobra.Command{
	Use:   "str-replace [path]",
	Short: "Replace a unique string occurrence",
	Long: `Substitutes --new for the single occurrence of --old. If the old
string appears zero times or more than once, nothing changes and the
occurrences are reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, err := s.Open(args[0]); err != nil {
				return err
			}
			res, err := s.StrReplace(ctx, args[0], oldString, newString)
			if err != nil {
				return err
			}
			printResult(res.Path, res.Revision, res.Snippet, res.Warnings)
			return nil
		})
	},
}

// undoCmd reverts the most recent edit
var undoCmd = &cobra.Command{
	Use:   "undo [path]",
	Short: "Revert the most recent edit to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, err := s.Open(args[0]); err != nil {
				return err
			}
			res, err := s.Undo(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Reverted %s to its previous state (revision %d)\n", res.Path, res.Revision)
			return nil
		})
	},
}

// applyCmd applies a unified diff as one atomic commit
var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply a unified diff from stdin or --patch as one commit",
	Long: `Reads single-file unified diff text and applies every hunk as a
single atomic commit. If any hunk's context no longer matches the file,
the whole batch is rejected and nothing changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readContent(patchFile)
		if err != nil {
			return err
		}
		hunks, err := diff.ParseUnified(text)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, s *session.Session) error {
			if _, err := s.Open(args[0]); err != nil {
				return err
			}
			res, err := s.ApplyHunks(ctx, args[0], hunks)
			if err != nil {
				return err
			}
			printResult(res.Path, res.Revision, res.Snippet, res.Warnings)
			return nil
		})
	},
}

// searchCmd ranks workspace spans against a query
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the workspace for relevant code spans",
	Long: `Indexes the workspace and ranks chunks against the query using
lexical matching plus approximate string similarity. Results are
deterministic for identical content.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withSession(func(ctx context.Context, s *session.Session) error {
			if err := s.IndexWorkspace(ctx); err != nil {
				return err
			}
			results := s.Search(query, searchLimit)
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d. %s:%d-%d  (score %.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
				if verbose {
					for _, line := range strings.Split(r.Snippet, "\n") {
						fmt.Printf("      %s\n", line)
					}
				}
			}
			return nil
		})
	},
}

// logCmd shows a buffer's commit log
var logCmd = &cobra.Command{
	Use:   "log [path]",
	Short: "Show the commit log for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session.Session) error {
			buf, err := s.Open(args[0])
			if err != nil {
				return err
			}
			log := buf.Log()
			if len(log) == 0 {
				fmt.Println("No commits recorded in this session.")
				return nil
			}
			for _, rec := range log {
				fmt.Printf("r%-4d %-14s %s  %s\n", rec.Revision, rec.Op,
					rec.Timestamp.Format("15:04:05"), rec.Summary)
			}
			return nil
		})
	},
}

var (
	viewRange      string
	createContent  string
	insertText     string
	replaceContent string
	oldString      string
	newString      string
	patchFile      string
	searchLimit    int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <workspace>/.codeward/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")

	viewCmd.Flags().StringVar(&viewRange, "range", "", "line range start:end (-1 for end of file)")
	createCmd.Flags().StringVar(&createContent, "content", "", "file content (default: read stdin)")
	insertCmd.Flags().StringVar(&insertText, "text", "", "text to insert (default: read stdin)")
	replaceCmd.Flags().StringVar(&replaceContent, "content", "", "replacement text (default: read stdin)")
	strReplaceCmd.Flags().StringVar(&oldString, "old", "", "string to replace (must be unique)")
	strReplaceCmd.Flags().StringVar(&newString, "new", "", "replacement string")
	_ = strReplaceCmd.MarkFlagRequired("old")
	applyCmd.Flags().StringVar(&patchFile, "patch", "", "unified diff text (default: read stdin)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "max results (default from config)")

	rootCmd.AddCommand(initCmd, viewCmd, createCmd, insertCmd, replaceCmd,
		strReplaceCmd, undoCmd, applyCmd, searchCmd, logCmd)
}

// withSession loads config, opens a session and ensures it is closed.
func withSession(fn func(context.Context, *session.Session) error) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	// One-shot commands have no use for the watcher.
	cfg.Session.WatchFiles = false

	s, err := session.New(workspace, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return fn(context.Background(), s)
}

// parseRange parses "start:end" with -1 accepted as the end marker. An
// empty string means the whole file.
func parseRange(spec string) (int, int, error) {
	if spec == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q, expected start:end", spec)
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

// readContent returns the flag value when set, otherwise reads stdin.
func readContent(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func printResult(path string, revision int, snippet string, warnings []validate.Diagnostic) {
	fmt.Printf("Committed %s at revision %d\n", path, revision)
	if snippet != "" {
		fmt.Print(snippet)
	}
	for _, w := range warnings {
		fmt.Printf("warning: line %d: %s\n", w.Line, w.Message)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
