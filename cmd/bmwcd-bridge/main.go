// Daemon that polls ConnectedDrive and publishes vehicle telemetry over MQTT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bmwcd/connecteddrive/internal/bridge"
	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/internal/recorder"
	"github.com/bmwcd/connecteddrive/pkg/account"
	"github.com/bmwcd/connecteddrive/pkg/poller"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [OPTION...]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Polls the ConnectedDrive portal and publishes snapshots and charging transitions over")
	fmt.Fprintln(w, "MQTT. Configuration comes from a YAML file and BMWCD_BRIDGE_* environment variables.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

// selectVehicles filters the account's vehicles down to the configured VINs.
// An empty filter keeps everything.
func selectVehicles(cars []*vehicle.Vehicle, vins []string) []*vehicle.Vehicle {
	if len(vins) == 0 {
		return cars
	}
	byVIN := make(map[string]*vehicle.Vehicle, len(cars))
	for _, car := range cars {
		byVIN[car.VIN()] = car
	}
	selected := make([]*vehicle.Vehicle, 0, len(vins))
	for _, vin := range vins {
		car, ok := byVIN[vin]
		if !ok {
			log.Warning("Configured VIN %s is not registered to the account", vin)
			continue
		}
		selected = append(selected, car)
	}
	return selected
}

func run(ctx context.Context, configFile string) error {
	config, err := bridge.LoadConfig(configFile)
	if err != nil {
		return err
	}

	acct, err := account.New(account.Config{
		Username: config.Username,
		Password: config.Password,
		Host:     config.Host,
	})
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cars, err := vehicle.List(listCtx, acct)
	if err != nil {
		return fmt.Errorf("failed to list vehicles: %w", err)
	}
	cars = selectVehicles(cars, config.VINs)
	if len(cars) == 0 {
		return errors.New("no vehicles to poll")
	}
	for _, car := range cars {
		log.Info("Watching %s (%s)", car.VIN(), car.DisplayName())
	}

	publisher, err := bridge.NewPublisher(&config.MQTT)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var archive *recorder.Recorder
	if config.PostgresDSN != "" {
		archive, err = recorder.Open(ctx, config.PostgresDSN)
		if err != nil {
			return err
		}
		defer archive.Close()
	}

	if config.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", bridge.MetricsHandler())
		server := &http.Server{
			Addr:              config.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped: %s", err)
			}
		}()
		defer server.Close()
		log.Info("Serving metrics on %s", config.MetricsListen)
	}

	b := bridge.New(config, poller.New(cars, config.PollInterval), publisher, archive)
	return b.Run(ctx)
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		configFile string
		verbose    bool
	)
	flag.StringVar(&configFile, "config", "", "Configuration `file`. Defaults to bmwcd-bridge.yaml in . and /etc/bmwcd.")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Usage = usage
	flag.Parse()
	if !verbose {
		if debugEnv, ok := os.LookupEnv("BMWCD_VERBOSE"); ok {
			verbose = debugEnv != "false" && debugEnv != "0"
		}
	}
	if verbose {
		log.SetLevel(log.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	status = 0
}
