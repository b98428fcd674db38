package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/cli"
	"github.com/bmwcd/connecteddrive/pkg/gateway"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

const defaultPort = 8088

const (
	EnvTlsCert  = "BMWCD_GATEWAY_TLS_CERT"
	EnvTlsKey   = "BMWCD_GATEWAY_TLS_KEY"
	EnvHost     = "BMWCD_GATEWAY_HOST"
	EnvPort     = "BMWCD_GATEWAY_PORT"
	EnvTimeout  = "BMWCD_GATEWAY_TIMEOUT"
	EnvAPIToken = "BMWCD_GATEWAY_API_TOKEN"
	EnvVerbose  = "BMWCD_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface without setting -api-token. Unauthorized clients may use
your session to create excessive traffic to the vendor portal, which can lock the account.`

type HttpGatewayConfig struct {
	keyFilename    string
	certFilename   string
	verbose        bool
	host           string
	port           int
	timeout        time.Duration
	commandTimeout time.Duration
	apiToken       string
}

var (
	httpConfig = &HttpGatewayConfig{}
)

func init() {
	flag.StringVar(&httpConfig.certFilename, "cert", "", "TLS certificate chain `file` with concatenated server, intermediate CA, and root CA certificates")
	flag.StringVar(&httpConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.BoolVar(&httpConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&httpConfig.host, "gateway-host", "localhost", "Gateway server `hostname`")
	flag.IntVar(&httpConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.DurationVar(&httpConfig.timeout, "timeout", gateway.DefaultTimeout, "Timeout interval for data fetches")
	flag.DurationVar(&httpConfig.commandTimeout, "command-timeout", gateway.DefaultCommandTimeout, "Timeout interval for remote service execution")
	flag.StringVar(&httpConfig.apiToken, "api-token", "", "Bearer `token` clients must present. Defaults to $"+EnvAPIToken+".")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that exposes a REST API for reading vehicle telemetry and sending remote services")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAccount | cli.FlagCache)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	err = readFromEnvironment()
	if err != nil {
		return
	}
	config.ReadFromEnvironment()

	if httpConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	if httpConfig.host != "localhost" && httpConfig.apiToken == "" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	if err = config.LoadCredentials(); err != nil {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	acct, err := config.Account(loginCtx)
	if err != nil {
		return
	}
	var cars []*vehicle.Vehicle
	cars, err = vehicle.List(loginCtx, acct)
	if err != nil {
		return
	}
	if len(cars) == 0 {
		log.Warning("Account has no registered vehicles")
	}
	snapshots, err := config.SnapshotCache()
	if err != nil {
		return
	}
	defer config.UpdateCachedSnapshots()

	g := gateway.New(cars, snapshots)
	g.Timeout = httpConfig.timeout
	g.CommandTimeout = httpConfig.commandTimeout
	g.APIToken = httpConfig.apiToken

	addr := fmt.Sprintf("%s:%d", httpConfig.host, httpConfig.port)
	server := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if httpConfig.certFilename != "" {
			serverErr <- server.ListenAndServeTLS(httpConfig.certFilename, httpConfig.keyFilename)
		} else {
			serverErr <- server.ListenAndServe()
		}
	}()
	log.Info("Listening on %s", addr)

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if httpConfig.certFilename == "" {
		httpConfig.certFilename = os.Getenv(EnvTlsCert)
	}

	if httpConfig.keyFilename == "" {
		httpConfig.keyFilename = os.Getenv(EnvTlsKey)
	}

	if httpConfig.apiToken == "" {
		httpConfig.apiToken = os.Getenv(EnvAPIToken)
	}

	if httpConfig.host == "localhost" {
		host, ok := os.LookupEnv(EnvHost)
		if ok {
			httpConfig.host = host
		}
	}

	if !httpConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			httpConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if httpConfig.port == defaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok {
			httpConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}

	if httpConfig.timeout == gateway.DefaultTimeout {
		if timeoutEnv, ok := os.LookupEnv(EnvTimeout); ok {
			httpConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}

	return nil
}
