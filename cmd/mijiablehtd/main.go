// mijiablehtd - a passive BLE-to-MQTT bridge for Xiaomi Mijia
// temperature/humidity sensors, with Home Assistant MQTT discovery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/config"
	"github.com/jenicek001/xiaomi-ble-tempmeter-mqtt-daemon/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath(), "load configuration from `file`")
	logLevel := flag.String("log-level", "", "override log.level from the config file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [FLAGS...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return orchestrator.ExitConfigInvalid
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return orchestrator.ExitConfigInvalid
	}

	logger := newLogger(cfg.Log.Level)
	logger.WithField("config", *configPath).Info("starting mijiablehtd")

	o := orchestrator.New(cfg, logger)
	logger.Info(o.Describe())

	ctx := ble.WithSigHandler(context.Background(), nil)
	code := o.Run(ctx)
	logger.WithField("exit_code", code).Info("mijiablehtd stopped")
	return code
}

func defaultConfigPath() string {
	if p := os.Getenv("MIJIABLEHT_CONFIG"); p != "" {
		return p
	}
	return "/etc/mijiablehtd/config.yaml"
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return logrus.NewEntry(log)
}
