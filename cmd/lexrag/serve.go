package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr      string
		apiKey    string
		origins   string
		uploadDir string
		maxUpload int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(g, true)
			if err != nil {
				return err
			}
			defer engine.Close()

			if uploadDir == "" {
				uploadDir = filepath.Join(os.TempDir(), "lexrag-uploads")
			}
			h := newHandler(engine, uploadDir, maxUpload<<20)

			// request -> cors -> auth -> recovery -> mux
			var handler http.Handler = h.routes()
			handler = recoveryMiddleware(handler)
			handler = authMiddleware(apiKey, handler)
			handler = corsMiddleware(origins, handler)
			handler = requestMiddleware(handler)

			srv := &http.Server{
				Addr:        addr,
				Handler:     handler,
				ReadTimeout: 5 * time.Minute, // uploads
				// Long-running requests (wait=true, analysis) set their own
				// deadlines.
				WriteTimeout: 0,
				IdleTimeout:  120 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				slog.Info("http: server starting", "addr", addr, "auth", apiKey != "", "uploads", uploadDir)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}

			slog.Info("http: shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Error("http: shutdown error", "error", err)
			}
			slog.Info("http: server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("LEXRAG_ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("LEXRAG_API_KEY"), "bearer token required on every route but /health")
	cmd.Flags().StringVar(&origins, "cors-origins", os.Getenv("LEXRAG_CORS_ORIGINS"), "comma-separated allowed CORS origins")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", os.Getenv("LEXRAG_UPLOAD_DIR"), "where uploaded files are kept")
	cmd.Flags().Int64Var(&maxUpload, "max-upload-mb", 100, "maximum upload size in MiB")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
