package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/calebwren/imagegate/internal/api"
	"github.com/calebwren/imagegate/internal/config"
	"github.com/calebwren/imagegate/internal/engine"
	"github.com/calebwren/imagegate/internal/gateway"
	"github.com/calebwren/imagegate/internal/metrics"
	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
	"github.com/calebwren/imagegate/internal/pipeline/stages"
	"github.com/calebwren/imagegate/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "imagegate",
		Short:         "Admission-controlled image processing gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newProcessCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("imagegate: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pool_workers", cfg.PoolWorkers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var sink *metrics.RedisSink
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, stats mirroring disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			sink = metrics.NewRedisSink(rdb, cfg.RedisPrefix)
			logger.Info("redis stats mirroring enabled", "addr", cfg.RedisAddr)
		}
		cancel()
	}

	pool := engine.NewPool(cfg.PoolWorkers)
	defer pool.Close()

	agg := metrics.NewAggregator(cfg.MetricsSamples)
	limits := pipeline.Limits{
		MaxBytes:  cfg.MaxImageBytes(),
		MaxPixels: cfg.MaxImagePixels,
	}
	eng := engine.New(pool, agg, logger, limits, cfg.ReclaimMemory)

	gw := gateway.New(gateway.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxQueue:      cfg.MaxQueue,
		Timeout:       cfg.RequestTimeout,
		MinFreeDisk:   cfg.MinFreeDiskBytes(),
		DiskPath:      cfg.DiskPath,
		Sink:          sink,
	}, eng, agg, stages.DefaultRegistry(), logger)

	runner := gateway.NewJobRunner(gw, db, logger)

	srv := api.NewServer(api.Options{
		Addr:            cfg.ListenAddr,
		MaxBodyBytes:    cfg.MaxImageBytes(),
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, gw, runner, db, logger)

	if err := srv.Run(); err != nil {
		return err
	}

	// The gateway has drained; wait for any async jobs still persisting
	// their final state.
	runner.Wait()
	return nil
}

func newProcessCmd() *cobra.Command {
	var (
		pipelineName string
		outPath      string
		background   string
		padding      float64
		shadow       bool
		width        int
		height       int
		text         string
		barHeight    int
		fontSize     int
	)

	cmd := &cobra.Command{
		Use:   "process <input-image>",
		Short: "Run one pipeline over a local image and write the PNG result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			params := model.DefaultParams()
			params.Background = background
			params.Padding = padding
			params.Shadow = shadow
			params.Width = width
			params.Height = height
			params.Text = text
			params.BarHeight = barHeight
			params.FontSize = fontSize

			pool := engine.NewPool(cfg.PoolWorkers)
			defer pool.Close()

			agg := metrics.NewAggregator(cfg.MetricsSamples)
			limits := pipeline.Limits{
				MaxBytes:  cfg.MaxImageBytes(),
				MaxPixels: cfg.MaxImagePixels,
			}
			eng := engine.New(pool, agg, logger, limits, cfg.ReclaimMemory)

			gw := gateway.New(gateway.Options{
				MaxConcurrent: cfg.MaxConcurrent,
				MaxQueue:      cfg.MaxQueue,
				Timeout:       cfg.RequestTimeout,
				MinFreeDisk:   cfg.MinFreeDiskBytes(),
				DiskPath:      cfg.DiskPath,
			}, eng, agg, stages.DefaultRegistry(), logger)

			work := model.WorkUnit{
				ID:     model.NewID(),
				Data:   data,
				Params: params,
			}

			result, err := gw.Submit(cmd.Context(), pipelineName, work)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outPath, result.Output, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			logger.Info("processed",
				"pipeline", pipelineName,
				"output", outPath,
				"duration_ms", result.Duration.Milliseconds(),
			)
			return nil
		},
	}

	defaults := model.DefaultParams()
	cmd.Flags().StringVarP(&pipelineName, "pipeline", "p", stages.PipelineProcessFull, "pipeline to run")
	cmd.Flags().StringVarP(&outPath, "out", "o", "out.png", "output file path")
	cmd.Flags().StringVar(&background, "background", defaults.Background, "background color (RRGGBB)")
	cmd.Flags().Float64Var(&padding, "padding", defaults.Padding, "padding fraction around the subject")
	cmd.Flags().BoolVar(&shadow, "shadow", defaults.Shadow, "draw a drop shadow")
	cmd.Flags().IntVar(&width, "width", defaults.Width, "canvas width in pixels")
	cmd.Flags().IntVar(&height, "height", defaults.Height, "canvas height in pixels")
	cmd.Flags().StringVar(&text, "text", defaults.Text, "overlay text")
	cmd.Flags().IntVar(&barHeight, "bar-height", defaults.BarHeight, "overlay bar height in pixels")
	cmd.Flags().IntVar(&fontSize, "font-size", defaults.FontSize, "overlay text size in points")

	return cmd
}
