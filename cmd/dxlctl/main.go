// Command dxlctl drives a rig of Dynamixel actuators: it configures them,
// moves them to center and optionally replays a trajectory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/OSUrobotics/dynamixel-control/dynamixel"
	"github.com/OSUrobotics/dynamixel-control/internal/config"
	"github.com/OSUrobotics/dynamixel-control/internal/logging"
	"github.com/OSUrobotics/dynamixel-control/metrics"
	"github.com/OSUrobotics/dynamixel-control/transports"
)

const shutdownTimeout = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	logger, err := logging.NewLogger(opts.Development, opts.LogVerbosity)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	setupLog := logger.WithName("setup")

	if opts.ListPorts {
		ports, err := transports.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	if err := opts.Complete(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	setupLog.Info("Flags processed", "config", opts.ConfigFile, "port", opts.Rig.Bus.Port, "actuators", len(opts.Rig.Actuators))

	var steps []dynamixel.Step
	if opts.Trajectory != "" {
		steps, err = config.LoadTrajectory(opts.Trajectory)
		if err != nil {
			return err
		}
		setupLog.Info("Loaded trajectory", "file", opts.Trajectory, "steps", len(steps))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(promRegistry)

	registry, err := opts.Rig.NewRegistry()
	if err != nil {
		return err
	}
	session, err := dynamixel.NewSession(opts.Rig.SessionConfig(logger.WithName("bus")))
	if err != nil {
		setupLog.Error(err, "Failed to open bus", "port", opts.Rig.Bus.Port)
		return err
	}
	ctrl := dynamixel.NewController(registry, session, dynamixel.ControllerConfig{
		Retries:    opts.Retries,
		RebootWait: opts.RebootWait,
		Logger:     logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	if opts.MetricsPort > 0 {
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(opts.MetricsPort),
			Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			setupLog.Info("Serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return drive(gctx, ctrl, steps, opts, logger.WithName("run"))
	})

	return g.Wait()
}

// drive runs the control sequence and always turns torque off at the end.
func drive(ctx context.Context, ctrl *dynamixel.Controller, steps []dynamixel.Step, opts *Options, logger logr.Logger) (err error) {
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if shutdownErr := ctrl.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error(shutdownErr, "Shutdown incomplete")
			err = errors.Join(err, shutdownErr)
		}
	}()

	if err := ctrl.SetSpeed(ctx, opts.Speed); err != nil {
		return fmt.Errorf("set speed: %w", err)
	}
	if err := ctrl.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := ctrl.UpdatePID(ctx, opts.PGain, opts.IGain, opts.DGain); err != nil {
		return fmt.Errorf("update PID: %w", err)
	}
	if len(steps) == 0 {
		if err := ctrl.GoToCenter(ctx); err != nil {
			return fmt.Errorf("go to center: %w", err)
		}
		logger.Info("Centered")
		return nil
	}

	if err := ctrl.GoToInitial(ctx, steps[0], opts.Settle); err != nil {
		return fmt.Errorf("go to initial position: %w", err)
	}
	logger.Info("At initial position", "settle", opts.Settle)

	playOpts := dynamixel.PlayOptions{
		SkipAlternate: opts.SkipAlternate,
		OnStep: func(i int, res dynamixel.WriteResult) {
			for _, f := range res.Failed {
				logger.Error(f, "Device rejected goal", "step", i)
			}
		},
	}

	res, err := ctrl.Player().Play(ctx, steps, opts.StepDelay, playOpts)
	if err != nil && dynamixel.IsCommError(err) {
		logger.Error(err, "Replay interrupted, recovering", "sent", res.Sent)
		if recErr := ctrl.Recover(ctx); recErr != nil {
			return errors.Join(err, recErr)
		}
		// Resume from the step that failed.
		rest := steps[res.Sent+res.Skipped:]
		more, err2 := ctrl.Player().Play(ctx, rest, opts.StepDelay, playOpts)
		res.Sent += more.Sent
		res.Skipped += more.Skipped
		err = err2
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("Replay stopped", "sent", res.Sent)
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	logger.Info("Replay finished", "sent", res.Sent, "skipped", res.Skipped)
	return nil
}
