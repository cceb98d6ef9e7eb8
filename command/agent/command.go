// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/stint/helper/pointer"
	"github.com/posener/complete"

	"github.com/hashicorp/cli"
	log "github.com/hashicorp/go-hclog"
)

// gracefulTimeout controls how long we wait before forcefully terminating
const gracefulTimeout = 5 * time.Second

// Command is a Command implementation that runs a Stint agent. The command
// will not end unless a shutdown message is sent on the ShutdownCh. If two
// messages are sent on the ShutdownCh it will forcibly exit.
type Command struct {
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args       []string
	agent      *Agent
	httpServer *HTTPServer
	logger     log.InterceptLogger
}

func (c *Command) readConfig() *Config {
	var devMode bool
	var configPaths []string
	var workers int

	// Make a new, empty config.
	cmdConfig := &Config{
		Ports: &Ports{},
		Redis: &RedisConfig{},
		Plane: &PlaneConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.BoolVar(&devMode, "dev", false, "")
	flags.Var((*flaggedStrings)(&configPaths), "config", "config")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.NodeName, "node", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.IntVar(&cmdConfig.Ports.HTTP, "http-port", 0, "")
	flags.StringVar(&cmdConfig.Redis.Address, "redis-address", "", "")
	flags.IntVar(&workers, "workers", -1, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}
	if workers >= 0 {
		cmdConfig.Plane.Workers = pointer.Of(workers)
	}

	// Load the configuration
	var config *Config
	if devMode {
		config = DevConfig()
	} else {
		config = DefaultConfig()
	}
	for _, path := range configPaths {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf(
				"Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(current)
	}

	// Merge the CLI configuration last so flags win.
	config = config.Merge(cmdConfig)

	if err := config.normalizeAddrs(); err != nil {
		c.Ui.Error(err.Error())
		return nil
	}
	if err := config.Validate(); err != nil {
		c.Ui.Error("Invalid configuration:")
		for _, line := range strings.Split(err.Error(), "\n") {
			c.Ui.Error(line)
		}
		return nil
	}

	return config
}

// setupLoggers is used to set up the logGate and our logger.
func (c *Command) setupLoggers(config *Config) (log.InterceptLogger, error) {
	level := log.LevelFromString(config.LogLevel)
	if level == log.NoLevel {
		return nil, fmt.Errorf("unknown log level: %s", config.LogLevel)
	}

	logger := log.NewInterceptLogger(&log.LoggerOptions{
		Name:       "agent",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: config.LogJson,
	})
	return logger, nil
}

// setupTelemetry is used to set up the telemetry sub-systems.
func (c *Command) setupTelemetry(config *Config) (*metrics.InmemSink, error) {
	var telConfig *Telemetry
	if config.Telemetry == nil {
		telConfig = &Telemetry{}
	} else {
		telConfig = config.Telemetry
	}
	if telConfig.collectionInterval == 0 {
		telConfig.collectionInterval = 1 * time.Second
	}

	inm := metrics.NewInmemSink(telConfig.collectionInterval, time.Minute)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("stint")
	metricsConf.EnableHostname = !telConfig.DisableHostname
	if telConfig.UseNodeName {
		metricsConf.HostName = config.NodeName
		metricsConf.EnableHostname = true
	}

	var fanout metrics.FanoutSink
	if telConfig.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(telConfig.StatsiteAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}
	if telConfig.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(telConfig.StatsdAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		metrics.NewGlobal(metricsConf, fanout)
	} else {
		metricsConf.EnableHostname = false
		metrics.NewGlobal(metricsConf, inm)
	}
	return inm, nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger, err := c.setupLoggers(config)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	c.logger = logger

	inm, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	agent, err := NewAgent(config, logger, inm)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent
	defer agent.Shutdown()

	httpServer, err := NewHTTPServer(agent, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}
	c.httpServer = httpServer
	defer httpServer.Shutdown()

	// Compile agent information for output later
	info := map[string]string{
		"node name": config.NodeName,
		"bind addr": httpServer.Addr,
		"log level": config.LogLevel,
		"version":   config.Version.VersionNumber(),
	}
	if p := config.Plane; p != nil && p.Workers != nil {
		info["workers"] = fmt.Sprintf("%d", *p.Workers)
	}
	if config.DevMode {
		info["mode"] = "dev"
	}

	padding := 0
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
		if len(k) > padding {
			padding = len(k)
		}
	}
	sort.Strings(keys)

	c.Ui.Output("Stint agent configuration:\n")
	for _, k := range keys {
		c.Ui.Info(fmt.Sprintf("%s%s: %s", strings.Repeat(" ", padding-len(k)), strings.Title(k), info[k]))
	}
	c.Ui.Output("")
	c.Ui.Output("Stint agent started! Log data will stream in below:\n")

	return c.handleSignals()
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Attempt a graceful leave
	gracefulCh := make(chan struct{})
	go func() {
		if err := c.agent.Shutdown(); err != nil {
			c.logger.Error("shutdown failed", "error", err)
			return
		}
		close(gracefulCh)
	}()

	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

func (c *Command) Synopsis() string {
	return "Runs a Stint agent"
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-dev":           complete.PredictNothing,
		"-config":        complete.PredictOr(complete.PredictFiles("*.hcl"), complete.PredictFiles("*.json")),
		"-bind":          complete.PredictAnything,
		"-node":          complete.PredictAnything,
		"-log-level":     complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":      complete.PredictNothing,
		"-http-port":     complete.PredictAnything,
		"-redis-address": complete.PredictAnything,
		"-workers":       complete.PredictAnything,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Help() string {
	helpText := `
Usage: stint agent [options]

  Starts the Stint agent and runs until an interrupt is received. The agent
  serves the HTTP API and runs the control plane roles it is configured for:
  a pool of workers, the delayed-dispatch loop, and the pending-entry reaper.

  The Stint agent's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI arguments.

General Options:

  -config=<path>
    The path to either a single config file or a directory of config files to
    use for configuring the agent. May be specified multiple times; later
    values merge over earlier ones.

  -dev
    Start the agent in development mode. This runs every control plane role
    against an embedded in-process redis, with a default quota-free tenant
    experience intended for experimentation. No state is persisted.

  -bind=<addr>
    The address the agent will bind the HTTP API to. May be a go-sockaddr
    template. Default is 127.0.0.1.

  -http-port=<port>
    The port the HTTP API listens on. Default is 4747.

  -node=<name>
    The name of the local agent. Defaults to the hostname.

  -log-level=<level>
    The verbosity of agent logs: TRACE, DEBUG, INFO, WARN or ERROR. Default
    is INFO.

  -log-json
    Output logs in a JSON format.

  -redis-address=<addr>
    The address of the redis backing the control plane state.

  -workers=<n>
    How many concurrent worker loops this node runs. Zero makes an API-only
    node.
`
	return strings.TrimSpace(helpText)
}

// flaggedStrings collects a repeatable string flag.
type flaggedStrings []string

func (f *flaggedStrings) String() string {
	return strings.Join(*f, ",")
}

func (f *flaggedStrings) Set(value string) error {
	*f = append(*f, value)
	return nil
}
