// Package main writes a development Certificate Authority and a server
// certificate signed by it, for running the sync server over HTTPS.
//
// An existing ca.crt/ca.key pair in the output directory is reused, so
// clients that already trust the CA keep working.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atinyakov/modelsync/internal/certgen"
)

func main() {
	dir := flag.String("out", "certs", "output directory")
	hosts := flag.String("hosts", "localhost,127.0.0.1", "comma-separated server host names and IPs")
	flag.Parse()

	if err := run(*dir, strings.Split(*hosts, ",")); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Certificates generated into %s\n", *dir)
}

func run(dir string, hosts []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	caCert := filepath.Join(dir, "ca.crt")
	caKey := filepath.Join(dir, "ca.key")

	ca, err := certgen.LoadCA(caCert, caKey)
	if errors.Is(err, os.ErrNotExist) {
		var certPEM, keyPEM []byte
		ca, certPEM, keyPEM, err = certgen.GenerateCA("modelsync dev CA", 10*365*24*time.Hour)
		if err != nil {
			return err
		}
		if err := writePair(caCert, caKey, certPEM, keyPEM); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var clean []string
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			clean = append(clean, h)
		}
	}
	certPEM, keyPEM, err := ca.IssueServerCertificate(clean, 365*24*time.Hour)
	if err != nil {
		return err
	}
	return writePair(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), certPEM, keyPEM)
}

func writePair(certPath, keyPath string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	return nil
}
