package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/developingchet/geogate/internal/api"
	"github.com/developingchet/geogate/internal/config"
	"github.com/developingchet/geogate/internal/links"
	"github.com/developingchet/geogate/internal/logger"
	"github.com/developingchet/geogate/internal/ratelimit"
	"github.com/developingchet/geogate/internal/storage"
	"github.com/developingchet/geogate/internal/token"
	"github.com/developingchet/geogate/internal/tracker"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "geogate",
		Short:         "Location-gated capability links",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		issueCmd(),
		listCmd(),
		deleteCmd(),
		statsCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// serveCmd is the main daemon command.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("geogate starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, closeBackend, err := openBackend(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeBackend()
	log.Info().Str("backend", cfg.RateLimitBackend).Int("max_attempts", cfg.RateLimitMaxAttempts).
		Dur("window", cfg.RateLimitWindow).Msg("verification rate limit configured")

	api.Version = Version
	srv, err := api.New(cfg, store, backend, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

// openBackend returns the rate-limit counter store selected by RATELIMIT_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config, store storage.Store) (ratelimit.Backend, func(), error) {
	if cfg.RateLimitBackend != "redis" {
		return ratelimit.NewBoltBackend(store), func() {}, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return ratelimit.NewRedisBackend(client, ratelimit.DefaultRedisPrefix), func() { _ = client.Close() }, nil
}

// openLinks loads config and opens the bbolt file for the offline commands.
// bbolt holds an exclusive file lock, so these fail while a server owns DATA_DIR.
func openLinks() (*config.Config, storage.Store, *links.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	codec, err := token.NewCodec([]byte(cfg.SigningKey))
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, store, links.New(store, codec), nil
}

// issueCmd creates a fence offline and prints its token and link.
func issueCmd() *cobra.Command {
	var (
		lat, lng float64
		radius   int
		target   string
		expires  string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create a geofence and print its link",
		RunE: func(cmd *cobra.Command, args []string) error {
			expiresAt, err := resolveExpiry(expires, ttl, time.Now())
			if err != nil {
				return err
			}
			cfg, store, svc, err := openLinks()
			if err != nil {
				return err
			}
			defer store.Close()

			issued, err := svc.Create(cmd.Context(), links.CreateRequest{
				CenterLat:    lat,
				CenterLng:    lng,
				RadiusMeters: radius,
				TargetURL:    target,
				ExpiresAt:    expiresAt,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"fence": issued.Fence,
				"token": issued.Token,
				"link":  links.LinkURL(cfg.BaseURL, issued.Token),
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "fence center latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "fence center longitude")
	cmd.Flags().IntVar(&radius, "radius", 100, fmt.Sprintf("fence radius in meters (%d-%d)", links.MinRadiusMeters, links.MaxRadiusMeters))
	cmd.Flags().StringVar(&target, "target", "", "URL revealed on successful verification")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry as RFC 3339 timestamp")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expiry relative to now, e.g. 72h")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func resolveExpiry(expires string, ttl time.Duration, now time.Time) (time.Time, error) {
	switch {
	case expires != "" && ttl != 0:
		return time.Time{}, errors.New("use only one of --expires or --ttl")
	case expires != "":
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			return time.Time{}, fmt.Errorf("--expires: %w", err)
		}
		return t, nil
	case ttl > 0:
		return now.Add(ttl), nil
	default:
		return time.Time{}, errors.New("one of --expires or --ttl is required")
	}
}

// listCmd prints all stored fences in creation order.
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored geofences",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, svc, err := openLinks()
			if err != nil {
				return err
			}
			defer store.Close()

			fences, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCENTER\tRADIUS\tEXPIRES\tTARGET")
			for _, f := range fences {
				fmt.Fprintf(tw, "%s\t%.6f,%.6f\t%dm\t%s\t%s\n",
					f.ID, f.CenterLat, f.CenterLng, f.RadiusMeters, f.ExpiresAt.Format(time.RFC3339), f.TargetURL)
			}
			return tw.Flush()
		},
	}
}

// deleteCmd removes a fence. Tokens already shared keep working until expiry.
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a geofence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, svc, err := openLinks()
			if err != nil {
				return err
			}
			defer store.Close()

			ok, err := svc.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", links.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// statsCmd prints the access analytics of a fence.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id>",
		Short: "Show access analytics for a geofence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openLinks()
			if err != nil {
				return err
			}
			defer store.Close()

			a, err := tracker.New(store).Analytics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a == nil {
				fmt.Fprintf(out, "fence %s: no access attempts\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "fence %s: total=%d success=%d failure=%d first=%s last=%s\n",
				args[0], a.TotalAttempts, a.SuccessCount, a.FailureCount,
				a.FirstAccessAt.Format(time.RFC3339), a.LastAccessAt.Format(time.RFC3339))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tRESULT\tCLIENT\tLOCATION\tDISTANCE")
			for _, e := range a.Log {
				result := "granted"
				if !e.Success {
					result = e.Reason
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.6f,%.6f\t%.1fm\n",
					e.At.Format(time.RFC3339), result, e.ClientIP, e.Lat, e.Lng, e.DistanceMeters)
			}
			return tw.Flush()
		},
	}
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/healthz")
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geogate %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
