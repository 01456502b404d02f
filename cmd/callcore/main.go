// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/service"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/telemetry/prometheus"
	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"CALLCORE_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "room",
		Usage:   "room id of the call",
		EnvVars: []string{"CALLCORE_ROOM"},
	},
	&cli.StringSliceFlag{
		Name:  "transport",
		Usage: "transport to join on, as <service_url>[#<alias>]. Use flag multiple times to give fallbacks",
	},
	&cli.StringFlag{
		Name:  "access-token-file",
		Usage: "path to file that contains the homeserver access token",
	},
	&cli.StringFlag{
		Name:  "events",
		Usage: "read room events as JSON lines from `file`, - for stdin",
	},
	&cli.DurationFlag{
		Name:  "refresh",
		Usage: "minimum interval between redraws of the call view",
		Value: 250 * time.Millisecond,
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "callcore",
		Usage:       "Multi-transport call session core",
		Description: "run without subcommands to watch a call",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      watchCall,
		Commands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "join the configured call and print its members as they change",
				Action: watchCall,
			},
			{
				Name:   "device-id",
				Usage:  "print the device id used when none is configured",
				Action: printDeviceID,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func watchCall(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	prometheus.Init()

	svc, cleanup, err := service.InitializeCallService(conf)
	if err != nil {
		return err
	}
	defer cleanup()

	events, closeEvents, err := openEvents(c.String("events"))
	if err != nil {
		return err
	}
	defer closeEvents()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infow("exit requested, leaving call", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	view := newCallView(os.Stdout, svc.State, c.Duration("refresh"))
	view.Watch(svc.Session())
	defer view.Stop()

	if err := svc.Run(ctx, events); err != nil {
		return err
	}
	view.Render()
	fmt.Printf("left call: %s\n", svc.LeftReason())
	return nil
}

func openEvents(path string) (io.Reader, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdin, func() {}, nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
