package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abustany/pdfgrab/internal/config"
	"github.com/abustany/pdfgrab/internal/store"
	"github.com/abustany/pdfgrab/pkg/bsmart"
	"github.com/abustany/pdfgrab/pkg/keyextract"
	"github.com/abustany/pdfgrab/pkg/platform"
)

var (
	configPath string
	logLevel   string
	outputDir  string
	service    string
	token      string
)

// app holds what every command needs, built from the configuration.
type app struct {
	config   *config.Config
	log      *logrus.Logger
	keys     *keyextract.Store
	services *platform.Registry
	store    *store.Store
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}

	log := cfg.Logger()

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.HTTPTimeout,
			TLSHandshakeTimeout:   cfg.HTTPTimeout,
		},
	}

	keys := bsmart.NewKeys(cfg.BSmart.KeyURL,
		keyextract.WithHTTPClient(client),
		keyextract.WithLogger(log),
		keyextract.WithMinLiteralLength(cfg.Key.MinLiteralLength),
	)

	registry := platform.NewRegistry()
	bsmart.Register(registry, bsmart.New(cfg.BSmart.BaseURL, keys,
		bsmart.WithHTTPClient(client),
		bsmart.WithLogger(log),
		bsmart.WithPreactivations(cfg.BSmart.Preactivations),
	))

	st := store.New(cfg.Output(), store.WithMinFree(cfg.MinFreeBytes()), store.WithLogger(log))

	return &app{
		config:   cfg,
		log:      log,
		keys:     keys,
		services: registry,
		store:    st,
	}, nil
}

func (a *app) service() (platform.Service, error) {
	return a.services.Get(service)
}

func requireToken() (string, error) {
	if token != "" {
		return token, nil
	}
	if t := os.Getenv("PDFGRAB_TOKEN"); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("no token specified, use --token or PDFGRAB_TOKEN")
}

var rootCmd = &cobra.Command{
	Use:   "pdfgrab",
	Short: "Download the books of your digital library as PDF files",
	Long: `pdfgrab downloads the books you have access to on a digital school
library platform and assembles them into regular PDF files, with table of
contents and page labels.

You need an account on the platform: log in once to obtain a token, then pass
it to the other commands with --token or the PDFGRAB_TOKEN environment
variable.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "pdfgrab.yaml", "configuration file")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides the configuration)")
	flags.StringVarP(&outputDir, "output", "o", "", "output directory (overrides the configuration)")
	flags.StringVarP(&service, "service", "s", bsmart.Code, "service code")
	flags.StringVarP(&token, "token", "t", "", "auth token returned by login")

	rootCmd.AddCommand(
		loginCmd,
		checkTokenCmd,
		libraryCmd,
		downloadCmd,
		keyCmd,
		filesCmd,
		servicesCmd,
		serveCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
