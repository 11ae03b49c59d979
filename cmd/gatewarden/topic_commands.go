package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gatewarden/internal/app"
	"github.com/loykin/gatewarden/internal/config"
)

func loadTopics(flags *GlobalFlags) (*app.Topics, func(), error) {
	cfg, log, closer, err := setup(flags)
	if err != nil {
		return nil, nil, err
	}
	t, err := app.NewTopics(cfg, nil, nil, log)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return t, func() { _ = closer.Close() }, nil
}

func createTopicCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Rotate and research topics",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "next",
			Short: "Advance the rotation and print the next topic",
			RunE: func(cmd *cobra.Command, _ []string) error {
				t, done, err := loadTopics(flags)
				if err != nil {
					return err
				}
				defer done()
				tp, st, err := t.Rotator.Next(t.List)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"topic": tp, "index": st.LastIndex})
			},
		},
		&cobra.Command{
			Use:   "study [name]",
			Short: "Research the named topic, or the next one in rotation",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				t, done, err := loadTopics(flags)
				if err != nil {
					return err
				}
				defer done()
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				rep, path, err := t.Study(cmd.Context(), name)
				if err != nil {
					return err
				}
				slog.Info("study complete", "topic", rep.Topic, "failed", rep.Failed(), "report", path)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"topic":   rep.Topic,
					"queries": len(rep.Queries),
					"failed":  rep.Failed(),
					"report":  path,
				})
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "Print every topic with its queries",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(flags.ConfigPath)
				if err != nil {
					return err
				}
				t, err := app.NewTopics(cfg, nil, nil, nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t.Rotator.All(t.List))
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List topic names with the time each was last studied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(flags.ConfigPath)
				if err != nil {
					return err
				}
				t, err := app.NewTopics(cfg, nil, nil, nil)
				if err != nil {
					return err
				}
				st, err := t.Rotator.State()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for i, tp := range t.List {
					last := "never"
					if ts, ok := st.LastStudied[tp.Name]; ok {
						last = ts.Format(time.RFC3339)
					}
					marker := " "
					if i == st.LastIndex {
						marker = "*"
					}
					if _, err := fmt.Fprintf(w, "%s %-24s %s\n", marker, tp.Name, last); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)
	return cmd
}
