// Command fachdienst launches the e-prescription backend: it loads the
// VAU transport identity, constructs the composition root, and serves
// the outer HTTP listener until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erx-fd/fachdienst/pkg/httpapi"
	"github.com/erx-fd/fachdienst/pkg/log"
	"github.com/erx-fd/fachdienst/pkg/manager"
	"github.com/erx-fd/fachdienst/pkg/store"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitMisconfig      = 1
	exitVAUKeyUnreadable = 2
	exitStateUnreadable  = 3
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "fachdienst",
	Short:   "Reference e-prescription backend",
	Long:    `fachdienst serves the VAU-protected FHIR e-prescription workflow: trust-anchored token verification, QES signature checking, and the Task state machine.`,
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("vau-key", "", "path to the server's VAU transport private key (PEM)")
	flags.String("vau-cert", "", "path to the server's VAU transport certificate (PEM)")
	flags.String("trust-anchor", "", "path to the bootstrap trust anchor certificate (PEM)")
	flags.String("tsl-url", "", "Trust Service List document URL")
	flags.String("idp-url", "", "identity provider JWK set URL")
	flags.String("state", "fachdienst.state", "path to the on-disk state file")
	flags.String("listen", ":8080", "outer HTTP listen address")
	flags.Duration("refresh-interval", 5*time.Minute, "trust store refresh interval")
	flags.String("config", "", "optional YAML file pre-populating the flags above")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
	_ = rootCmd.MarkFlagRequired("vau-key")
	_ = rootCmd.MarkFlagRequired("vau-cert")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// fileConfig is the optional --config YAML shape; each field mirrors a
// flag name so zero-valued flags can be pre-populated from it before
// cobra parses the command line proper.
type fileConfig struct {
	VAUKey          string `yaml:"vau-key"`
	VAUCert         string `yaml:"vau-cert"`
	TrustAnchor     string `yaml:"trust-anchor"`
	TSLURL          string `yaml:"tsl-url"`
	IDPURL          string `yaml:"idp-url"`
	State           string `yaml:"state"`
	Listen          string `yaml:"listen"`
	RefreshInterval string `yaml:"refresh-interval"`
}

func applyConfigFile(cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	set := func(name, value string) {
		if value != "" && !cmd.Flags().Changed(name) {
			_ = cmd.Flags().Set(name, value)
		}
	}
	set("vau-key", fc.VAUKey)
	set("vau-cert", fc.VAUCert)
	set("trust-anchor", fc.TrustAnchor)
	set("tsl-url", fc.TSLURL)
	set("idp-url", fc.IDPURL)
	set("state", fc.State)
	set("listen", fc.Listen)
	set("refresh-interval", fc.RefreshInterval)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		if err := applyConfigFile(cmd, configPath); err != nil {
			return misconfigError(err)
		}
	}

	vauKeyPath, _ := cmd.Flags().GetString("vau-key")
	vauCertPath, _ := cmd.Flags().GetString("vau-cert")
	trustAnchorPath, _ := cmd.Flags().GetString("trust-anchor")
	tslURL, _ := cmd.Flags().GetString("tsl-url")
	idpURL, _ := cmd.Flags().GetString("idp-url")
	statePath, _ := cmd.Flags().GetString("state")
	listen, _ := cmd.Flags().GetString("listen")
	refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")

	if vauKeyPath == "" || vauCertPath == "" {
		return misconfigError(fmt.Errorf("--vau-key and --vau-cert are mandatory"))
	}
	if _, err := os.Stat(vauKeyPath); err != nil {
		return vauKeyError(err)
	}

	mgr, err := manager.New(manager.Config{
		VAUKeyPath:          vauKeyPath,
		VAUCertPath:         vauCertPath,
		BootstrapAnchorPath: trustAnchorPath,
		TSLURL:              tslURL,
		IDPURL:              idpURL,
		StatePath:           statePath,
		RefreshInterval:     refreshInterval,
	})
	if err != nil {
		return stateOrMisconfigError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	server := httpapi.NewServer(mgr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(listen); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received signal %s, shutting down", sig))
	case err := <-errCh:
		cancel()
		mgr.Shutdown()
		return fmt.Errorf("HTTP listener failed: %w", err)
	}

	cancel()
	return mgr.Shutdown()
}

// exitStatus wraps an error with the §6 exit code it should produce.
type exitStatus struct {
	code int
	err  error
}

func (e *exitStatus) Error() string { return e.err.Error() }
func (e *exitStatus) Unwrap() error { return e.err }

func misconfigError(err error) error { return &exitStatus{code: exitMisconfig, err: err} }
func vauKeyError(err error) error    { return &exitStatus{code: exitVAUKeyUnreadable, err: err} }
func stateError(err error) error     { return &exitStatus{code: exitStateUnreadable, err: err} }

// stateOrMisconfigError classifies a manager.New failure: state-file
// problems get exit code 3, everything else (trust store construction,
// VAU cert issues) is a misconfiguration.
func stateOrMisconfigError(err error) error {
	if errors.Is(err, store.ErrStateUnreadable) {
		return stateError(err)
	}
	return misconfigError(err)
}

func exitCodeFor(err error) int {
	var es *exitStatus
	if errors.As(err, &es) {
		return es.code
	}
	return exitMisconfig
}
