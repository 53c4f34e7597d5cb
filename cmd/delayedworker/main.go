// Command delayedworker is the composition root: it loads configuration,
// builds a queue and logger, and runs either supervisor variant until a
// stop signal arrives — the embedding application psi.Run(submain) is
// modeled on, specialized to this one binary instead of an arbitrary
// submain.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"pkt.systems/delayed/internal/config"
	"pkt.systems/delayed/internal/logging"
	"pkt.systems/delayed/queue/redisqueue"
	"pkt.systems/delayed/task"
	"pkt.systems/delayed/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("delayedworker: " + err.Error() + "\n")
		os.Exit(1)
	}

	wcfg := buildWorkerConfig(cfg)

	// Bootstrap must run before anything else touches os.Args: a
	// re-executed child never returns from this call.
	worker.Bootstrap(wcfg)

	os.Exit(run(cfg, wcfg))
}

func buildWorkerConfig(cfg config.Config) worker.Config {
	log := logging.New("delayedworker")

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := redisqueue.New(redisqueue.Options{
		Client:         client,
		Name:           cfg.QueueName,
		DefaultTimeout: cfg.DefaultTimeout,
	})

	return worker.Config{
		Queue:       q,
		KillTimeout: cfg.KillTimeout,
		Logger:      log,
		SuccessHandler: func(t task.Task) {
			log.Info().Int64("task_id", t.ID).Msg("task succeeded")
		},
		ErrorHandler: func(t task.Task, sig *int, err error) {
			ev := log.Error().Int64("task_id", t.ID)
			if sig != nil {
				ev.Int("signal", *sig).Msg("task killed by signal")
				return
			}
			ev.Err(err).Msg("task failed")
		},
	}
}

func run(cfg config.Config, wcfg worker.Config) int {
	log := wcfg.Logger

	var sup interface {
		Run(ctx context.Context) error
		Stop()
	}
	var err error
	if cfg.PersistentChild {
		sup, err = worker.NewPersistentSupervisor(wcfg)
	} else {
		sup, err = worker.NewPerTaskSupervisor(wcfg)
	}
	if err != nil {
		log.Error().Err(err).Msg("build supervisor failed")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received stop signal")
		sup.Stop()
	}()

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor run failed")
		return 1
	}
	return 0
}
