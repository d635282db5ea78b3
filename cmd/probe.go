package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/config"
	"github.com/JakeFAU/scrolldepth/internal/depth"
	"github.com/JakeFAU/scrolldepth/internal/probe"
	"github.com/JakeFAU/scrolldepth/internal/ratelimit"
	"github.com/JakeFAU/scrolldepth/internal/session"
)

type probeOptions struct {
	milestones []float64
	discover   string
	pattern    string
	limit      int
	quiet      bool
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe [url...]",
		Short: "Scrolls pages in headless Chrome and reports milestones",
		Long: `Loads each URL in headless Chrome, scrolls the content element step by
step and runs a local tracker against the observed depth. With --discover
the URLs are collected from the links on a seed page instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), e, opts, args)
		},
	}
	cmd.Flags().Float64SliceVar(&opts.milestones, "milestones", nil, "milestone fractions (defaults to tracker.default_milestones)")
	cmd.Flags().StringVar(&opts.discover, "discover", "", "seed page to collect article links from")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "regexp discovered links must match")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum discovered links (defaults to probe.discover_limit)")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "do not log milestones as they fire")
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, e *env, opts probeOptions, urls []string) error {
	pc := e.cfg.Probe
	if opts.discover != "" {
		limit := opts.limit
		if limit <= 0 {
			limit = pc.DiscoverLimit
		}
		found, err := probe.Discover(ctx, probe.DiscoverConfig{
			UserAgent:     pc.UserAgent,
			RespectRobots: true,
			Timeout:       pc.NavTimeout,
		}, opts.discover, opts.pattern, limit)
		if err != nil {
			return fmt.Errorf("discover: %w", err)
		}
		e.logger.Info("discovered urls", zap.String("seed", opts.discover), zap.Int("count", len(found)))
		urls = append(urls, found...)
	}
	if len(urls) == 0 {
		return errors.New("no urls to probe")
	}

	src, err := probe.NewSource(probeConfig(pc))
	if err != nil {
		return fmt.Errorf("probe init: %w", err)
	}
	defer src.Close()

	milestones := opts.milestones
	if len(milestones) == 0 {
		milestones = e.cfg.Tracker.DefaultMilestones
	}
	pacer := ratelimit.New(ratelimit.Config{Scope: "probe", RPS: pc.HostRPS, Burst: 1})
	results := make([]probe.Result, 0, len(urls))
	for _, u := range urls {
		if err := pacer.Wait(ctx, ratelimit.HostKey(u)); err != nil {
			break
		}
		logger := e.logger.With(zap.String("url", u))
		var observers []depth.Observer
		if !opts.quiet {
			observers = append(observers, session.NewLogObserver(logger))
		}
		res := probe.Track(ctx, src, u, milestones, observers, depth.WithLogger(logger))
		if res.Err != nil {
			logger.Warn("probe failed", zap.Error(res.Err))
		}
		results = append(results, res)
	}
	return probe.RenderReport(out, results)
}

func probeConfig(pc config.ProbeConfig) probe.Config {
	return probe.Config{
		Selector:       pc.Selector,
		Step:           pc.Step,
		Pause:          pc.Pause,
		NavTimeout:     pc.NavTimeout,
		ViewportWidth:  pc.ViewportWidth,
		ViewportHeight: pc.ViewportHeight,
		UserAgent:      pc.UserAgent,
	}
}
