// Package config loads the YAML configuration file of pdfgrab.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration in the YAML file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// OutputDir receives one subdirectory per service. A leading ~ is
	// replaced by the user's home directory.
	OutputDir string `yaml:"output_dir"`

	// MinFreeSpace is a size such as "100 MB", checked before writing a book.
	MinFreeSpace string `yaml:"min_free_space"`

	Listen string `yaml:"listen"`

	// HTTPTimeout bounds the wait for the response headers of every
	// platform call.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// BookTimeout bounds the whole download of one title.
	BookTimeout time.Duration `yaml:"book_timeout"`

	Key KeyConfig `yaml:"key"`

	BSmart BSmartConfig `yaml:"bsmart"`
}

type KeyConfig struct {
	MinLiteralLength int `yaml:"min_literal_length"`
}

type BSmartConfig struct {
	BaseURL        string `yaml:"base_url"`
	KeyURL         string `yaml:"key_url"`
	Preactivations bool   `yaml:"preactivations"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		OutputDir:    "files",
		MinFreeSpace: "100 MB",
		Listen:       ":8080",
		HTTPTimeout:  30 * time.Second,
		BookTimeout:  30 * time.Minute,
		Key: KeyConfig{
			MinLiteralLength: 20,
		},
		BSmart: BSmartConfig{
			BaseURL:        "https://www.bsmart.it",
			KeyURL:         "https://my.bsmart.it",
			Preactivations: true,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to process config file '%s': %w", path, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %w", path, err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if _, err := humanize.ParseBytes(c.MinFreeSpace); err != nil {
		return fmt.Errorf("min_free_space: %w", err)
	}

	if c.Key.MinLiteralLength < 1 {
		return fmt.Errorf("key.min_literal_length must be positive")
	}

	if c.HTTPTimeout < 0 || c.BookTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// MinFreeBytes returns MinFreeSpace in bytes, 0 if it cannot be parsed.
func (c *Config) MinFreeBytes() uint64 {
	n, _ := humanize.ParseBytes(c.MinFreeSpace)
	return n
}

// Output returns OutputDir with ~ expanded.
func (c *Config) Output() string {
	dir := c.OutputDir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	return dir
}

// Logger returns a logger writing to stderr at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
