package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"symphony/internal/config"
	"symphony/internal/coordinator"
	"symphony/internal/logging"
	"symphony/pkg/model"
	"symphony/pkg/schema"
	"symphony/pkg/store"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "symphony-cli",
	Short:        "Inspect and drive a symphony deployment",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./symphony.yaml or ~/.config/symphony/symphony.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml or json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for store operations")

	rootCmd.AddCommand(validateCmd(), applyCmd(), listCmd(), outputCmd(), assignCmd(), cancelCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session 一次命令需要的存储和 logger
type session struct {
	store  store.Store
	logger *zap.Logger
}

func openSession() (*session, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	// CLI 默认只看警告，避免日志和输出混在一起
	level := cfg.Log.Level
	if level == "info" && !cfg.Log.Development {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	s, err := cfg.OpenStore(logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &session{store: s, logger: logger}, nil
}

func (s *session) Close() {
	_ = s.store.Close()
	_ = s.logger.Sync()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <kind> <file>",
		Short: "Validate a YAML or JSON file of records against a schema",
		Long:  "Validate a YAML or JSON file of records against a schema.\n\nKinds: " + kindNames(),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := lookupKind(args[0])
			if err != nil {
				return err
			}
			recs, err := readRecords(args[1])
			if err != nil {
				return err
			}
			n, err := k.validate(recs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d valid %s record(s)\n", n, args[0])
			return nil
		},
	}
}

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <kind> <file>",
		Short: "Validate records and save them to the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := lookupKind(args[0])
			if err != nil {
				return err
			}
			if k.apply == nil {
				return fmt.Errorf("%s records cannot be applied directly", args[0])
			}
			recs, err := readRecords(args[1])
			if err != nil {
				return err
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			saved, err := k.apply(ctx, sess.store, recs)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat, saved)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		where []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List records matching a query",
		Long:  "List records matching a query.\n\nKinds: " + listerNames(),
		Example: `  symphony-cli list runs --where state=running
  symphony-cli list runners --where status=HEALTHY --limit 10 -o json
  symphony-cli list resource-groups --where label=42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, ok := listers[args[0]]
			if !ok {
				return fmt.Errorf("unknown kind %q (want one of %s)", args[0], listerNames())
			}
			if cmd.Flags().Changed("limit") {
				where = append(where, "limit="+strconv.Itoa(limit))
			}
			q, err := l.where(where)
			if err != nil {
				return err
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			items, err := l.list(ctx, sess.store, q)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat, items)
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "field=value filter, repeatable")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records")
	return cmd
}

func outputCmd() *cobra.Command {
	var (
		simSince, proxySince int64
		simulators, proxies  []int64
	)
	cmd := &cobra.Command{
		Use:   "output <run-id>",
		Short: "Print console output of a run, optionally after a cursor",
		Long: "Print console output of a run, optionally after a cursor.\n\n" +
			"With --simulator or --proxy the output of each selected component is printed\n" +
			"as one stream of lines, all commands merged in line order.",
		Example: `  symphony-cli output 12 --simulator-since 340
  symphony-cli output 12 --simulator 3 --proxy 1 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			var f model.RunOutputFilter
			if cmd.Flags().Changed("simulator-since") {
				f.SimulatorSeenUntilLineID = model.Some(simSince)
			}
			if cmd.Flags().Changed("proxy-since") {
				f.ProxySeenUntilLineID = model.Some(proxySince)
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out, err := sess.store.GetRunOutput(ctx, runID, f)
			if err != nil {
				return err
			}
			if len(simulators) == 0 && len(proxies) == 0 {
				return render(cmd.OutOrStdout(), outputFormat, map[string]any{
					"output": out,
					"cursor": out.Cursor(f),
				})
			}
			sims, proxyOut, err := componentOutputs(out, simulators, proxies)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), outputFormat, map[string]any{
				"simulators": sims,
				"proxies":    proxyOut,
				"cursor":     out.Cursor(f),
			})
		},
	}
	cmd.Flags().Int64Var(&simSince, "simulator-since", 0, "only simulator lines with an id greater than this")
	cmd.Flags().Int64Var(&proxySince, "proxy-since", 0, "only proxy lines with an id greater than this")
	cmd.Flags().Int64SliceVar(&simulators, "simulator", nil, "print the merged output of this simulator, repeatable")
	cmd.Flags().Int64SliceVar(&proxies, "proxy", nil, "print the merged output of this proxy, repeatable")
	return cmd
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <run-id> <runner-id> <fragment-file>",
		Short: "Reserve resources and start a fragment of a run on a runner",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:2])
			if err != nil {
				return err
			}
			recs, err := readRecords(args[2])
			if err != nil {
				return err
			}
			frags, err := schema.ValidateListType[model.Fragment](recs)
			if err != nil {
				return err
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			coord := coordinator.NewCoordinator(sess.store, sess.logger)
			assigned := make([]model.RunFragment, 0, len(frags))
			for _, f := range frags {
				rf, err := coord.AssignFragment(ctx, ids[0], f, ids[1])
				if err != nil {
					return err
				}
				assigned = append(assigned, rf)
			}
			return render(cmd.OutOrStdout(), outputFormat, assigned)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and kill its fragments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := coordinator.NewCoordinator(sess.store, sess.logger).CancelRun(ctx, ids[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d cancelled\n", ids[0])
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func listerNames() string {
	return joinSorted(listers)
}

func kindNames() string {
	return joinSorted(kinds)
}

func joinSorted[V any](m map[string]V) string {
	return strings.Join(slices.Sorted(maps.Keys(m)), ", ")
}
