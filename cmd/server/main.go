package main

import (
	"context"
	"flag"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	config := server.NewConfigFromEnv()
	if *configPath != "" {
		loaded, err := server.LoadConfigFile(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load configuration")
		}
		config = loaded
	}

	log := server.NewLogger(config, os.Stdout)
	log.Info("Starting room chat relay...")

	srv := server.New(config, log)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.WithField("code", exitCode).Info("relay exited")
	os.Exit(exitCode)
}
