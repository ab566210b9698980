package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/stowage/internal/config"
	"github.com/saltyorg/stowage/internal/logging"
	"github.com/saltyorg/stowage/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	storeDir  string
	storeName string
	verbosity int

	// Timeout flags (advanced)
	busyTimeout   time.Duration
	watchDebounce time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "stowage",
		Short:        "Stowage - inspect and maintain object stores",
		Long:         `Stowage opens a store (<dir>/<store>.sqlite with its <store>.yaml model) to query records, follow history and run maintenance.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&storeDir, "dir", "d", ".", "Directory holding the store and model files (or set STOWAGE_DIR env var)")
	rootCmd.PersistentFlags().StringVarP(&storeName, "store", "s", "", "Store name (required, or set STOWAGE_STORE env var)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	// Advanced timeout flags
	rootCmd.PersistentFlags().DurationVar(&busyTimeout, "busy-timeout", 5*time.Second, "How long to wait for a locked store")
	rootCmd.PersistentFlags().DurationVar(&watchDebounce, "watch-debounce", 250*time.Millisecond, "Quiet period before reporting remote changes")

	rootCmd.AddCommand(
		entitiesCmd(),
		getCmd(),
		deleteCmd(),
		historyCmd(),
		watchCmd(),
		settingsCmd(),
		maintenanceCmd(),
		optimizeCmd(),
		vacuumCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("stowage %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore resolves flags and env vars, sets up logging and opens the store
func openStore(opts ...store.Option) (*store.Container, error) {
	// Check env vars if flags are at their defaults
	if storeDir == "." {
		if envDir := os.Getenv("STOWAGE_DIR"); envDir != "" {
			storeDir = envDir
		}
	}
	if storeName == "" {
		storeName = os.Getenv("STOWAGE_STORE")
	}
	if storeName == "" {
		return nil, fmt.Errorf("--store flag or STOWAGE_STORE environment variable is required")
	}

	logging.Console(verbosity)

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		BusyTimeout:   busyTimeout,
		WatchDebounce: watchDebounce,
	})

	opts = append([]store.Option{store.WithDirectory(storeDir)}, opts...)
	c, err := store.OpenContainer(storeName, opts...)
	if err != nil {
		return nil, err
	}

	level := logging.LevelForVerbosity(verbosity)
	if verbosity == 0 {
		level = c.Settings().String("log.level", level)
	}
	logging.Apply(level, c.Settings(), logging.FilePathForStore(c.Path()))

	return c, nil
}

// withStore runs fn against an opened store and closes it afterwards
func withStore(fn func(c *store.Container, args []string) error, opts ...store.Option) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openStore(opts...)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close store")
			}
		}()
		return fn(c, args)
	}
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func entitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the model's entities with record counts",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			counts, err := c.Counts()
			if err != nil {
				return err
			}
			for _, name := range c.Model().EntityNames() {
				fmt.Printf("%s\t%d\n", name, counts[name])
			}
			return nil
		}),
	}
}

// fetchFlags are the query flags shared by get and delete
type fetchFlags struct {
	where  string
	sort   []string
	limit  int
	offset int
}

func (f *fetchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.where, "where", "w", "", "Predicate expression, e.g. 'done == false && priority > 1'")
	cmd.Flags().StringSliceVar(&f.sort, "sort", nil, "Sort keys as key[:asc|:desc], repeatable")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum number of objects (0 = no limit)")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Number of objects to skip")
}

func (f *fetchFlags) request(entity string) (*store.FetchRequest, error) {
	req := store.NewFetchRequest(entity)
	if f.where != "" {
		pred, err := store.NewPredicate(f.where)
		if err != nil {
			return nil, err
		}
		req.Where(pred)
	}
	for _, key := range f.sort {
		req.SortDescriptors = append(req.SortDescriptors, store.ParseSortDescriptor(key))
	}
	req.Limit = f.limit
	req.Offset = f.offset
	return req, nil
}

func getCmd() *cobra.Command {
	var flags fetchFlags

	cmd := &cobra.Command{
		Use:   "get <entity>",
		Short: "Print matching objects as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(c *store.Container, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}

			sc := c.ViewContext()
			return sc.PerformAndWait(func() error {
				objects, err := sc.Fetch(req)
				if err != nil {
					return err
				}
				for _, obj := range objects {
					row := obj.Values()
					row["objectID"] = obj.ID()
					if err := printJSON(row); err != nil {
						return err
					}
				}
				return nil
			})
		}),
	}
	flags.register(cmd)
	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		flags fetchFlags
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "delete <entity>",
		Short: "Delete matching objects",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(c *store.Container, args []string) error {
			if flags.where == "" && !all {
				return fmt.Errorf("refusing to delete every %s without --all", args[0])
			}
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}

			sc := c.ViewContext()
			var deleted int
			err = sc.PerformAndWait(func() error {
				objects, err := sc.Fetch(req)
				if err != nil {
					return err
				}
				for _, obj := range objects {
					if err := sc.Delete(obj); err != nil {
						return err
					}
				}
				deleted = len(objects)
				return sc.Save()
			})
			if err != nil {
				return err
			}

			log.Info().Str("entity", args[0]).Int("deleted", deleted).Msg("Deleted objects")
			return nil
		}),
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Allow deleting without --where")
	return cmd
}

func historyCmd() *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print committed transactions as JSON lines",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			history, err := c.History(since)
			if err != nil {
				return err
			}
			for _, tx := range history {
				if err := printJSON(tx); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Only show transactions after this change token")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print change events from other processes until interrupted",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			if c.Watcher() == nil {
				return fmt.Errorf("remote change watcher is disabled (setting watcher.enabled)")
			}

			sub := c.Subscribe()
			defer sub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("store", c.Name()).Msg("Watching for changes")
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Stopped watching")
					return nil
				case event, ok := <-sub.Events:
					if !ok {
						return nil
					}
					if err := printJSON(event); err != nil {
						return err
					}
				}
			}
		}, store.WithWatcher(true)),
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "List store settings",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			settings, err := c.DB().GetAllSettings()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(settings))
			for key := range settings {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%s\t%s\n", key, settings[key])
			}
			return nil
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Set a store setting",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(c *store.Container, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("value for %s must be JSON, e.g. '\"@daily\"' or 14", args[0])
			}
			if err := c.DB().SetSetting(args[0], args[1]); err != nil {
				return err
			}
			log.Info().Str("key", args[0]).Str("value", args[1]).Msg("Setting updated")
			return nil
		}),
	})

	return cmd
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Prune old history, optimize and checkpoint now",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			result := c.Scheduler().RunNow()
			return result.Err
		}, store.WithMaintenance(true)),
	}
}

func optimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Refresh query planner statistics",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			if err := c.Optimize(); err != nil {
				return err
			}
			log.Info().Msg("Store optimized")
			return nil
		}),
	}
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Rebuild the store file to reclaim space",
		Args:  cobra.NoArgs,
		RunE: withStore(func(c *store.Container, _ []string) error {
			if err := c.Vacuum(); err != nil {
				return err
			}
			log.Info().Msg("Store vacuumed")
			return nil
		}),
	}
}
