package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/oakpki/oakpki/api"
	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/crl"
	"github.com/oakpki/oakpki/internal/util"
	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
	bboltstorage "github.com/oakpki/oakpki/storage/bbolt"
	"github.com/oakpki/oakpki/storage/postgres"
)

var (
	port        int
	dataDir     string
	databaseURL string
	baseURL     string
	sigAlg      string
	tlsCert     string
	tlsKey      string
	ksDir       string
	ksEnvVar    = "OAKPKI_KEYSTORE_PASSPHRASE"
)

// signatureAlgorithms maps the flag value to the x509 constant.
var signatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"SHA256WithRSA": x509.SHA256WithRSA,
	"SHA384WithRSA": x509.SHA384WithRSA,
	"SHA512WithRSA": x509.SHA512WithRSA,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, ok := signatureAlgorithms[sigAlg]
		if !ok {
			return fmt.Errorf("unsupported signature algorithm %q", sigAlg)
		}

		passphrase := os.Getenv(ksEnvVar)
		if passphrase == "" {
			return fmt.Errorf("%s must be set", ksEnvVar)
		}

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if ksDir == "" {
			ksDir = dataDir + "/keystores"
		}

		var store storage.Store
		if databaseURL != "" {
			pg, err := postgres.NewStoreFromDSN(cmd.Context(), databaseURL)
			if err != nil {
				return fmt.Errorf("failed to open CA storage: %w", err)
			}
			defer pg.Close()
			store = pg
		} else {
			bb, err := bboltstorage.NewStoreFromFile(dataDir+"/ca.db", nil)
			if err != nil {
				return fmt.Errorf("failed to open CA storage: %w", err)
			}
			defer bb.Close()
			store = bb
		}

		keys, err := keystore.NewSoftware(ksDir, passphrase)
		if err != nil {
			return fmt.Errorf("failed to open key stores: %w", err)
		}

		builder := crl.NewBuilder(store, keys)
		svc := ca.New(store, keys, builder, baseURL,
			ca.WithSignatureAlgorithm(alg))

		updater := crl.NewUpdater(builder, keys)
		updaterCtx, stopUpdater := context.WithCancel(context.Background())
		defer stopUpdater()
		go updater.Run(updaterCtx)

		a := api.New(svc, store)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			stopUpdater()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL DSN; when set, replaces the embedded BBolt store")
	serverCmd.Flags().StringVar(&ksDir, "keystore-dir", "", "Directory for key store files (default: <data-dir>/keystores)")
	serverCmd.Flags().StringVar(&baseURL, "base-url", "https://localhost:8443/api/v1", "Base URL embedded in CRL and OCSP distribution points")
	serverCmd.Flags().StringVar(&sigAlg, "signature-algorithm", "SHA256WithRSA", "Certificate signature algorithm (SHA256WithRSA, SHA384WithRSA, SHA512WithRSA)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
