package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"gwi.com/local-rag/internal/api"
	"gwi.com/local-rag/internal/config"
	"gwi.com/local-rag/internal/core"
	"gwi.com/local-rag/internal/embedding"
	"gwi.com/local-rag/internal/logging"
	"gwi.com/local-rag/internal/store"
	"gwi.com/local-rag/internal/vectorstore"
)

var (
	dataDirFlag  string
	embedderFlag string
	logLevelFlag string
	portFlag     string
)

var rootCmd = &cobra.Command{
	Use:           "local-rag",
	Short:         "Local-first retrieval engine for chat history",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Storage root (overrides RAG_DATA_DIR and preferences)")
	rootCmd.PersistentFlags().StringVar(&embedderFlag, "embedder", "", "Embedding strategy: hash or gemini")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")
	serveCmd.Flags().StringVarP(&portFlag, "port", "p", "", "HTTP port")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Default().Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the services shared by every command.
type app struct {
	stores   *store.Stores
	vectors  *vectorstore.Store
	chats    *core.ChatService
	rag      *core.RAGService
	settings *core.SettingsService
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// setup loads configuration, applies flag overrides and wires the services.
func setup(ctx context.Context) (*app, error) {
	if dataDirFlag != "" {
		_ = os.Setenv("RAG_DATA_DIR", dataDirFlag)
	}
	if embedderFlag != "" {
		_ = os.Setenv("EMBEDDER", embedderFlag)
	}
	if logLevelFlag != "" {
		_ = os.Setenv("LOG_LEVEL", logLevelFlag)
	}
	if portFlag != "" {
		_ = os.Setenv("HTTP_PORT", portFlag)
	}

	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.AppConfig

	logging.SetDefault(logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat))
	logger := logging.Default()
	logger.Debug("configuration loaded", "data_dir", cfg.DataDir, "embedder", cfg.Embedder)

	a := &app{}

	var embedder embedding.Embedder
	switch cfg.Embedder {
	case config.EmbedderGemini:
		gemini, err := embedding.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gemini.Close)
		embedder = gemini
	default:
		embedder = embedding.NewHashEmbedder()
	}

	a.stores = store.Open(cfg.DataDir)
	a.vectors = vectorstore.New(filepath.Join(cfg.DataDir, store.VectorsFile), embedder,
		vectorstore.WithMinScore(cfg.MinScore),
		vectorstore.WithPersonalizationMinScore(cfg.PersonalizationMinScore),
		vectorstore.WithIndex(cfg.IndexMaxAge, cfg.IndexMinCandidates),
	)
	a.chats = core.NewChatService(a.stores, a.vectors, core.WithMessageCap(cfg.MessageCap))
	a.rag = core.NewRAGService(a.vectors, cfg.RagLimit)
	a.settings = core.NewSettingsService(a.stores)

	logger.Info("storage ready", "data_dir", cfg.DataDir, "embedder", embedder.Name(), "dimension", embedder.Dimension())
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	apiHandler := api.NewAPIHandler(a.chats, a.rag, a.settings, a.vectors)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger := logging.Default()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server. Press Ctrl+C to quit.", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- goerr.Wrap(err, "could not listen", goerr.V("addr", serverAddr))
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	case <-quit:
	}
	logger.Info("Shutting down server...")

	// Give active connections time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return goerr.Wrap(err, "server forced to shutdown")
	}
	logger.Info("Server exiting gracefully")
	return nil
}
