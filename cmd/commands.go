package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/isoassist/pkg/assistant"
	"github.com/xhad/isoassist/pkg/backfill"
	"github.com/xhad/isoassist/pkg/curation"
	"github.com/xhad/isoassist/pkg/llm"
	"github.com/xhad/isoassist/pkg/processor"
	"github.com/xhad/isoassist/pkg/store"
	"github.com/xhad/isoassist/server"
)

func (a *app) openStore(cmd *cobra.Command) (*store.VectorStore, error) {
	cfg := a.config
	return store.NewWithConfig(cmd.Context(), store.VectorStoreConfig{
		ConnString:   cfg.Database.URL,
		VectorDim:    cfg.Embedding.Dimensions,
		MaxConns:     cfg.Database.MaxConns,
		BackupPrefix: cfg.Curation.BackupPrefix,
	})
}

func (a *app) newAssistant(cmd *cobra.Command) (*assistant.Assistant, error) {
	vs, err := a.openStore(cmd)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedder(a.config.Embedding)
	if err != nil {
		vs.Close()
		return nil, err
	}
	generator, err := llm.NewGenerator(a.config.LLM)
	if err != nil {
		vs.Close()
		return nil, err
	}

	return assistant.New(assistant.Deps{
		Store:     vs,
		Embedder:  embedder,
		Generator: generator,
		Closers:   []func(){vs.Close},
	}, assistant.Options{
		DefaultK: a.config.Retrieval.DefaultK,
		MaxK:     a.config.Retrieval.MaxK,
	})
}

func newLoadCmd(a *app) *cobra.Command {
	var rowsAsChunks bool
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Load extracted documents from a JSON lines file, - for stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			vs, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer vs.Close()

			p := processor.NewWithConfig(processor.ProcessorConfig{
				ChunkSize:    chunkSize,
				RowsAsChunks: rowsAsChunks,
			})
			res, err := processor.NewLoader(vs, p).Load(cmd.Context(), in)
			if err != nil {
				return err
			}
			color.Green("Loaded %d documents, %d chunks (%d skipped)", res.Documents, res.Chunks, res.Summary.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rowsAsChunks, "rows", true, "Store every spreadsheet row as its own chunk")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, "Maximum chunk size in bytes")
	return cmd
}

func newCurateCmd(a *app) *cobra.Command {
	var yes, dryRun bool

	cmd := &cobra.Command{
		Use:   "curate",
		Short: "Back up the chunk table, then delete low quality and duplicate chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			vs, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer vs.Close()

			counter, err := curation.NewTokenCounter(a.config.Curation.TokenEncoding)
			if err != nil {
				slog.WarnContext(ctx, "token encoding unavailable, counting words", "encoding", a.config.Curation.TokenEncoding, "error", err)
				counter = curation.WordCounter{}
			}

			var confirmer curation.Confirmer = newPromptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			if yes {
				confirmer = curation.AutoConfirm
			}
			curator := curation.New(vs, curation.Config{
				BackupPrefix: a.config.Curation.BackupPrefix,
				Counter:      counter,
				Confirmer:    confirmer,
			})

			if dryRun {
				plan, err := curator.Plan(ctx)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			}

			res, err := curator.Run(ctx)
			if err != nil {
				return err
			}
			if res.Backup == "" {
				color.Green("Nothing to delete")
				return nil
			}
			if yes {
				printPlan(cmd.OutOrStdout(), res.Plan)
			}
			color.Green("Deleted %d chunks, backup %s holds %d rows", res.Deleted, res.Backup, res.BackupRows)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Delete without asking")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan and change nothing")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "restore [backup]",
		Short: "Put back chunks deleted since a backup",
		Args: func(cmd *cobra.Command, args []string) error {
			if !list && len(args) == 0 {
				return fmt.Errorf("backup name required, use --list to see them")
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer vs.Close()
			curator := curation.New(vs, curation.Config{BackupPrefix: a.config.Curation.BackupPrefix})

			if list {
				backups, err := curator.Backups(cmd.Context())
				if err != nil {
					return err
				}
				for _, b := range backups {
					fmt.Fprintln(cmd.OutOrStdout(), b)
				}
				return nil
			}

			res, err := curator.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			color.Green("Restored %d of %d backup rows, %d chunks live", res.Restored, res.BackupRows, res.LiveRows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List backups instead of restoring")
	return cmd
}

func newBackfillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Embed every chunk that has no embedding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer vs.Close()
			embedder, err := llm.NewEmbedder(a.config.Embedding)
			if err != nil {
				return err
			}

			bar := getProgressBar(cmd.ErrOrStderr(), -1, "Embedding chunks")
			cfg := a.config.Backfill
			runner := backfill.NewRunner(vs, embedder, backfill.Config{
				BatchSize:     cfg.BatchSize,
				MaxRetries:    cfg.MaxRetries,
				RetryDelay:    cfg.RetryDelay,
				BatchInterval: cfg.BatchInterval,
				ModelVersion:  a.config.Embedding.Model,
				Progress: func(done, total int64) {
					if bar.GetMax64() != total {
						bar.ChangeMax64(total)
					}
					_ = bar.Set64(done)
				},
			})

			res, err := runner.Run(cmd.Context())
			_ = bar.Finish()
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			color.Green("Embedded %d of %d chunks in %d batches, %d tokens", res.Embedded, res.Pending, res.Batches, res.TokensUsed)
			if res.Summary.Failed > 0 {
				color.Yellow("%d chunks failed and stay pending", res.Summary.Failed)
			}
			return nil
		},
	}
}

func newAskCmd(a *app) *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question, or start an interactive session without one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			asst, err := a.newAssistant(cmd)
			if err != nil {
				return err
			}
			defer asst.Close()
			out := cmd.OutOrStdout()

			if len(args) > 0 {
				answer, err := asst.Ask(ctx, strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				printAnswer(out, answer)
				return nil
			}

			color.New(color.FgGreen, color.Bold).Fprintln(out, "Ask about ISO processes. Type 'exit' to quit.")
			userPrinter := color.New(color.FgGreen)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				userPrinter.Fprint(out, "\nYou: ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "exit" {
					return nil
				}

				spinner := getSpinner(cmd.ErrOrStderr(), "Thinking...")
				answer, err := asst.Ask(ctx, input, k)
				_ = spinner.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					color.New(color.FgRed).Fprintf(out, "Error: %v\n", err)
					continue
				}
				printAnswer(out, answer)
			}
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of chunks to retrieve")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP and websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asst, err := a.newAssistant(cmd)
			if err != nil {
				return err
			}
			defer asst.Close()

			cfg := a.config.Server
			if addr != "" {
				cfg.Addr = addr
			}
			return server.New(asst, server.Config{
				Addr:           cfg.Addr,
				ReadTimeout:    cfg.ReadTimeout,
				WriteTimeout:   cfg.WriteTimeout,
				AllowedOrigins: cfg.AllowedOrigins,
			}).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}
