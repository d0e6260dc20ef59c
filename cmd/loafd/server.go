package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kristofer/loaf/internal/server"
	"github.com/kristofer/loaf/pkg/config"
	"github.com/kristofer/loaf/pkg/document"
)

func newServerCmd() *cobra.Command {
	var port int
	var docsDir string
	var envFile string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve every document in a directory as an HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), docsDir, envFile, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (0: use LOAF_PORT / default)")
	cmd.Flags().StringVar(&docsDir, "docs", "./documents", "directory of *.json documents to register, one route each")
	cmd.Flags().StringVar(&envFile, "env", "", "path to a .env file (default: ./.env)")
	return cmd
}

func runServer(ctx context.Context, docsDir, envFile string, port int) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("server: loading config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	log := rootLogger("server")

	d, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	entries, err := os.ReadDir(docsDir)
	if err != nil {
		return fmt.Errorf("server: reading %s: %w", docsDir, err)
	}
	registered := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		doc, err := document.LoadFile(filepath.Join(docsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("server: %s: %w", e.Name(), err)
		}
		if err := d.RegisterDocument(doc); err != nil {
			log.Warn().Str("file", e.Name()).Err(err).Msg("skipping document with no @endpoint")
			continue
		}
		registered++
	}
	log.Info().Int("documents", registered).Msg("registered documents")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.WatchMemoryPressure(watchCtx, 512<<20, 5*time.Second)

	return d.ListenAndServe()
}
