package server

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/lipdiffusion/orchestrator/config"
	"github.com/lipdiffusion/orchestrator/engine"
	"github.com/lipdiffusion/orchestrator/handler"
	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/manager"
	"github.com/lipdiffusion/orchestrator/runpod"
	"github.com/lipdiffusion/orchestrator/server"
	"github.com/lipdiffusion/orchestrator/store"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

type serverCommand struct {
	envfile string
}

func (c *serverCommand) run(*kingpin.ParseContext) error {
	loadEnvErr := godotenv.Load(c.envfile)
	if loadEnvErr != nil {
		logrus.
			WithError(loadEnvErr).
			Errorln("cannot load env file")
	}
	// load the system configuration from the environment.
	loadedConfig, err := config.Load()
	if err != nil {
		logrus.WithError(err).
			Errorln("cannot load the service configuration")
		return err
	}

	// init the system logging.
	initLogging(&loadedConfig)

	ctx := context.Background()

	redisClient, err := store.NewRedisClient(loadedConfig.Store.RedisURL, loadedConfig.Store.RedisCertReqs)
	if err != nil {
		logrus.WithError(err).
			Errorln("cannot create the redis client")
		return err
	}
	if err = store.Ping(ctx, redisClient, time.Minute); err != nil {
		logrus.WithError(err).
			Errorln("cannot connect to redis")
		return err
	}

	taskStore := store.New(
		redisClient,
		loadedConfig.Store.Prefix,
		time.Duration(loadedConfig.Store.TTL)*time.Second,
		time.Duration(loadedConfig.Store.PersistTTL)*time.Second,
		loadedConfig.Store.PersistDir,
	)

	sovits, err := newEndpoint(&loadedConfig, loadedConfig.RunPod.SovitsEndpoint)
	if err != nil {
		return err
	}
	wav2lip, err := newEndpoint(&loadedConfig, loadedConfig.RunPod.Wav2LipEndpoint)
	if err != nil {
		return err
	}
	facefusion, err := newEndpoint(&loadedConfig, loadedConfig.RunPod.FaceFusionEndpoint)
	if err != nil {
		return err
	}

	pipelineEngine := engine.New(taskStore, sovits, wav2lip, facefusion,
		loadedConfig.PollInterval(), loadedConfig.JobTimeout())

	jobManager := manager.New(taskStore, pipelineEngine,
		[]*runpod.Endpoint{sovits, wav2lip, facefusion},
		loadedConfig.PollInterval())
	defer func() {
		if closeErr := jobManager.Close(); closeErr != nil {
			logrus.WithError(closeErr).
				Errorln("failed to close the job manager")
		}
	}()

	// create the http serverInstance.
	serverInstance := server.Server{
		Addr:     loadedConfig.Server.Bind,
		Handler:  handler.Handler(jobManager),
		CAFile:   loadedConfig.Server.CAFile,   // CA certificate file
		CertFile: loadedConfig.Server.CertFile, // Server certificate PEM file
		KeyFile:  loadedConfig.Server.KeyFile,  // Server key file
	}

	// trap the os signal to gracefully shutdown the http server.
	ctx, cancel := context.WithCancel(ctx)
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt)
	defer func() {
		signal.Stop(s)
		cancel()
	}()
	go func() {
		select {
		case val := <-s:
			logrus.Infof("received OS Signal to exit server: %s", val)
			cancel()
		case <-ctx.Done():
			logrus.Infoln("received a done signal to exit server")
		}
	}()

	logrus.Infof(fmt.Sprintf("server listening at port %s", loadedConfig.Server.Bind))

	// starts the http server.
	err = serverInstance.Start(ctx)
	if err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}

	if err != nil {
		logrus.Errorf("program terminated with error: %s", err)
	}

	return err
}

// helper function creates a worker endpoint client, or returns nil
// when the endpoint is not configured.
func newEndpoint(c *config.Config, endpointID string) (*runpod.Endpoint, error) {
	if endpointID == "" || c.RunPod.APIKey == "" {
		return nil, nil
	}
	endpoint, err := runpod.NewEndpoint(endpointID, c.RunPod.APIKey, c.RunPod.BaseURL, c.RequestTimeout())
	if err != nil {
		logrus.WithError(err).
			WithField("endpoint", endpointID).
			Errorln("cannot create the worker endpoint")
		return nil, err
	}
	return endpoint, nil
}

// Register the server commands.
func Register(app *kingpin.Application) {
	c := new(serverCommand)

	cmd := app.Command("server", "start the server").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)
}

// Get stackdriver to display logs correctly https://github.com/sirupsen/logrus/issues/403
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// helper function configures the global logger from the loaded configuration.
func initLogging(c *config.Config) {
	logrus.SetOutput(&OutputSplitter{})
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)
	if c.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if c.Trace {
		l.SetLevel(logrus.TraceLevel)
	}
}
