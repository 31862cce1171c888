package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/abustany/pdfgrab/pkg/assetpack"
	"github.com/abustany/pdfgrab/pkg/pagecrypt"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("error: %s", err)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s -key KEY_HEX pages.tar outdir

Decrypts the page records of an asset pack that was already downloaded, and
writes every page as <md5>.pdf in outdir, md5 being the content hash found in
the record header. The pack may be a plain, gzip or xz compressed tar archive.

This program does not contact the platform. The key can be obtained with
"pdfgrab key".
`, os.Args[0])
		flag.PrintDefaults()
	}

	keyHex := flag.String("key", "", "hex encoded page decryption key")

	flag.Parse()

	inFilename := flag.Arg(0)
	if inFilename == "" {
		return fmt.Errorf("no input file specified")
	}

	outDir := flag.Arg(1)
	if outDir == "" {
		return fmt.Errorf("no output directory specified")
	}

	if *keyHex == "" {
		return fmt.Errorf("key not specified")
	}

	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		return fmt.Errorf("error decoding key: %w", err)
	}

	data, err := os.ReadFile(inFilename)
	if err != nil {
		return fmt.Errorf("error reading input file: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	count := 0

	err = assetpack.Open(data).Each(func(name string, r io.Reader) error {
		logrus.WithField("member", name).Info("Processing record")

		page, md5, err := pagecrypt.Decrypt(r, key)
		if err != nil {
			return err
		}

		if md5 == "" || md5 != filepath.Base(md5) {
			return fmt.Errorf("invalid content hash %q", md5)
		}

		outFilename := filepath.Join(outDir, md5+".pdf")
		if err := os.WriteFile(outFilename, page, 0o644); err != nil {
			return fmt.Errorf("error writing %s: %w", outFilename, err)
		}

		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("error decrypting pages: %w", err)
	}

	logrus.Infof("Decrypted %d pages into %s", count, outDir)

	return nil
}
