package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewServer creates and configures an http.Server.
// It takes the port (e.g., ":8000"), the main router, and a logger.
func NewServer(port string, handler http.Handler, readTimeout, writeTimeout, idleTimeout time.Duration, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	logger.Info("HTTP server configured", zap.String("address", port))
	return srv
}
