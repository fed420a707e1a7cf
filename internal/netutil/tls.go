package netutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/config"
)

// BuildTLSConfig creates a TLS configuration from the config settings.
// Returns nil when TLS is disabled.
func BuildTLSConfig(cfg config.TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}

	// Load CA certificate if specified
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CAFile, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = caCertPool

		logger.Info("Loaded CA certificate", zap.String("file", cfg.CAFile))
	}

	// Load client certificate and key if both are specified
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}

		logger.Info("Loaded client certificate",
			zap.String("cert_file", cfg.CertFile),
			zap.String("key_file", cfg.KeyFile),
		)
	} else if cfg.CertFile != "" || cfg.KeyFile != "" {
		logger.Warn("Both cert_file and key_file must be specified for client certificate authentication",
			zap.String("cert_file", cfg.CertFile),
			zap.String("key_file", cfg.KeyFile),
		)
	}

	return tlsConfig, nil
}
