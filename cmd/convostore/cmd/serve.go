package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/api"
	"github.com/entrepeneur4lyf/convostore/internal/config"
	"github.com/entrepeneur4lyf/convostore/internal/llm"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat backend",
	Long: `Run the chat backend: it persists conversations, answers each message
with the configured responder and pushes replies over a websocket stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for flag, key := range map[string]string{"addr": "server.addr", "provider": "llm.provider", "model": "llm.model"} {
			if err := overrideString(cmd, flag, key); err != nil {
				return err
			}
		}
		cfg := cfgManager.Config()

		dbPath, err := storage.NewPathManagerAt(cfg.Data.Directory).GetDatabasePath()
		if err != nil {
			return fmt.Errorf("failed to resolve database path: %w", err)
		}
		chats, err := storage.NewChatStore(dbPath, logger)
		if err != nil {
			return err
		}
		defer chats.Close()

		responder, err := buildResponder(cfg.LLM)
		if err != nil {
			return err
		}

		var transcriber llm.Transcriber = llm.NoopTranscriber{}
		if cfg.LLM.TranscriptionKey != "" {
			transcriber = llm.NewOpenAITranscriber(cfg.LLM.TranscriptionKey)
		}

		srv := api.NewServer(api.Options{
			Chats:         chats,
			Responder:     responder,
			Transcriber:   transcriber,
			Logger:        logger,
			HistoryWindow: cfg.Server.HistoryWindow,
		})

		cfgManager.Watch(func(c config.Config) {
			if level, err := log.ParseLevel(c.Log.Level); err == nil {
				logger.SetLevel(level)
			}
		})

		fmt.Fprintf(cmd.OutOrStdout(), "convostore backend on http://%s (responder %s, db %s)\n", cfg.Server.Addr, responder.Name(), dbPath)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return srv.Start(cfg.Server.Addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
		return g.Wait()
	},
}

func buildResponder(c config.LLM) (llm.Responder, error) {
	provider, err := llm.ParseProvider(c.Provider)
	if err != nil {
		return nil, err
	}
	return llm.BuildResponder(llm.Options{
		Provider:     provider,
		Model:        c.Model,
		APIKey:       c.APIKey,
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
	})
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from server.addr)")
	serveCmd.Flags().StringP("provider", "p", "", "Responder: echo, anthropic, openai, gemini, openrouter")
	serveCmd.Flags().StringP("model", "m", "", "Model passed to the responder")
}
