package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/logging"
	"github.com/Sternrassler/muscu-offline/pkg/manifest"
	"github.com/Sternrassler/muscu-offline/pkg/network"
	"github.com/Sternrassler/muscu-offline/pkg/shim"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "cache store: sqlite or redis",
			Value:   "sqlite",
			Sources: cli.NewValueSourceChain(cli.EnvVar("STORE")),
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "SQLite database file",
			Value:   "data/shim.db",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SQLITE_PATH")),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address (host:port)",
			Value:   "localhost:6379",
			Sources: cli.NewValueSourceChain(cli.EnvVar("REDIS_ADDR")),
		},
	}
}

func manifestFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "manifest",
		Aliases: []string{"m"},
		Usage:   "manifest YAML file (default: compiled-in manifest)",
		Sources: cli.NewValueSourceChain(cli.EnvVar("MANIFEST_PATH")),
	}
}

func newApp(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "shimctl",
		Usage:  "offline cache shim maintenance",
		Writer: w,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "warn",
				Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_LEVEL")),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.Setup(logging.Config{
				Level:  logging.ParseLogLevel(cmd.String("log-level")),
				Pretty: true,
				Output: os.Stderr,
			})
			return ctx, nil
		},
		Commands: []*cli.Command{
			discoverCommand(),
			namespacesCommand(),
			installCommand(),
			pruneCommand(),
		},
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:      "discover",
		Usage:     "list assets referenced by a shell document and those missing from the manifest",
		ArgsUsage: "<shell.html>",
		Flags:     []cli.Flag{manifestFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("shell document path is required")
			}
			m, err := loadManifest(cmd.String("manifest"))
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			refs, err := manifest.Discover(f)
			if err != nil {
				return err
			}

			out := cmd.Root().Writer
			for _, ref := range refs {
				fmt.Fprintln(out, ref)
			}
			missing := m.Missing(refs)
			for _, ref := range missing {
				fmt.Fprintf(out, "missing from manifest: %s\n", ref)
			}
			if len(missing) > 0 {
				return fmt.Errorf("%d referenced assets are not in the manifest", len(missing))
			}
			return nil
		},
	}
}

func namespacesCommand() *cli.Command {
	return &cli.Command{
		Name:  "namespaces",
		Usage: "list cache namespaces in creation order",
		Flags: storeFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, closeStore, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			names, err := store.Namespaces(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.Root().Writer, name)
			}
			return nil
		},
	}
}

func installCommand() *cli.Command {
	flags := append([]cli.Flag{
		manifestFlag(),
		&cli.StringFlag{
			Name:     "scope",
			Usage:    "absolute base URL the assets are fetched from",
			Sources:  cli.NewValueSourceChain(cli.EnvVar("SHIM_SCOPE")),
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "per-request timeout",
			Value: 30 * time.Second,
		},
	}, storeFlags()...)

	return &cli.Command{
		Name:  "install",
		Usage: "fetch every manifest asset into the current namespace",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, closeStore, err := newShim(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := s.Install(ctx); err != nil {
				return err
			}
			logging.NewLogger(logging.ComponentCLI).Info().
				Str("namespace", s.Namespace()).
				Str("scope", cmd.String("scope")).
				Msg("Install complete")
			fmt.Fprintf(cmd.Root().Writer, "installed %s\n", s.Namespace())
			return nil
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "delete every namespace but the manifest's current one",
		Flags: append([]cli.Flag{manifestFlag()}, storeFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := loadManifest(cmd.String("manifest"))
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			before, err := store.Namespaces(ctx)
			if err != nil {
				return err
			}

			if err := shim.Prune(ctx, store, m.Namespace); err != nil {
				return err
			}

			after, err := store.Namespaces(ctx)
			if err != nil {
				return err
			}
			logging.NewLogger(logging.ComponentCLI).Info().
				Str("namespace", m.Namespace).
				Int("deleted", len(before)-len(after)).
				Msg("Prune complete")
			fmt.Fprintf(cmd.Root().Writer, "pruned %d namespaces, kept %s\n", len(before)-len(after), m.Namespace)
			return nil
		},
	}
}

func newShim(ctx context.Context, cmd *cli.Command) (*shim.Shim, func() error, error) {
	m, err := loadManifest(cmd.String("manifest"))
	if err != nil {
		return nil, nil, err
	}
	m.Scope = cmd.String("scope")

	cfg, err := shim.ConfigFromManifest(m)
	if err != nil {
		return nil, nil, err
	}

	fetcher, err := network.New(network.Config{
		UserAgent: "shimctl",
		Timeout:   cmd.Duration("timeout"),
		Retry:     network.DefaultRetryConfig(),
	})
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := openStore(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	s, err := shim.New(cfg, store, fetcher)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return s, closeStore, nil
}

func loadManifest(path string) (manifest.Manifest, error) {
	m := manifest.Default()
	if path != "" {
		var err error
		if m, err = manifest.Load(path); err != nil {
			return manifest.Manifest{}, err
		}
	}
	if err := manifest.ApplyEnv(&m); err != nil {
		return manifest.Manifest{}, err
	}
	return m, nil
}

func openStore(ctx context.Context, cmd *cli.Command) (cache.Store, func() error, error) {
	switch cmd.String("store") {
	case "sqlite":
		store, err := cache.OpenSQLite(cmd.String("sqlite-path"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cmd.String("redis-addr")})
		store := cache.NewRedisStore(client)
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want sqlite or redis)", cmd.String("store"))
	}
}
