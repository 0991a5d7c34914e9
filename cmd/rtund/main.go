// Command rtund runs the tunnel edge server.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/tunserver"
	"github.com/windless/rtun/internal/version"
)

func main() {
	controlAddr := flag.String("control", ":4443", "control port address for agent connections")
	httpsAddr := flag.String("https", ":443", "HTTPS port address for public traffic")
	httpAddr := flag.String("http", ":80", "HTTP port address for ACME challenges (and HTTP-only mode)")
	domain := flag.String("domain", "", "base domain for automatic TLS (e.g. tunnel.example.com); empty runs HTTP-only unless -cert-file is set")
	certDir := flag.String("certs", "/var/lib/rtund/certs", "directory for autocert-managed TLS certificates")
	certFile := flag.String("cert-file", "", "static TLS certificate file (overrides autocert)")
	keyFile := flag.String("key-file", "", "static TLS private key file")
	apiKeys := flag.String("api-keys", "", "comma-separated list of valid registration tokens; empty disables the check")
	maxSessions := flag.Int("max-sessions", tunserver.MaxSessions, "soft cap on concurrent agent sessions")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rtund " + version.Full())
		os.Exit(0)
	}

	if *debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if (*certFile == "") != (*keyFile == "") {
		fmt.Fprintln(os.Stderr, "rtund: -cert-file and -key-file must be set together")
		os.Exit(1)
	}

	var keys []string
	if *apiKeys != "" {
		keys = strings.Split(*apiKeys, ",")
		log.Info("registration token check enabled", "count", len(keys))
	}

	srv := tunserver.New(tunserver.Config{
		ControlAddr: *controlAddr,
		HTTPAddr:    *httpAddr,
		HTTPSAddr:   *httpsAddr,
		Domain:      *domain,
		CertDir:     *certDir,
		CertFile:    *certFile,
		KeyFile:     *keyFile,
		APIKeys:     keys,
		MaxSessions: *maxSessions,
	})

	if err := srv.Run(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
