package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrepeneur4lyf/convostore/internal/config"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/entrepeneur4lyf/convostore/internal/tui"
	"github.com/spf13/cobra"
)

var chatNoCache bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the terminal chat client",
	Long: `Open the terminal chat client for a conversation. Without --conversation
the conversation of the previous session is reopened. Messages that were not
delivered when the client exited come back as failed and can be retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := storage.NewPathManagerAt(cfgManager.Config().Data.Directory)
		statePath, err := paths.GetStatePath()
		if err != nil {
			return err
		}
		state, err := config.LoadState(statePath)
		if err != nil {
			logger.Warn("ignoring unreadable client state", "file", statePath, "err", err)
			state = config.NewState()
		}
		if !cmd.Flags().Changed("conversation") && state.LastConversation != "" {
			if err := cfgManager.Set("client.conversation", state.LastConversation); err != nil {
				return err
			}
		}
		if !cmd.Flags().Changed("order") && state.RenderOrder != "" {
			if err := cfgManager.Set("client.renderOrder", state.RenderOrder); err != nil {
				return err
			}
		}

		cfg, err := clientConfig(cmd)
		if err != nil {
			return err
		}
		client, err := newTransport(cfg.Client)
		if err != nil {
			return err
		}

		var cache storage.ChatStore
		var opts []store.Option
		if !chatNoCache {
			cache, err = openCache(paths)
			if err != nil {
				return err
			}
			defer cache.Close()

			snap, err := cache.LoadSnapshot(cmd.Context(), cfg.Client.Conversation)
			if err != nil {
				logger.Warn("ignoring cached conversation", "conversation", cfg.Client.Conversation, "err", err)
			} else if snap != nil {
				opts = append(opts, store.WithInitialState(*snap))
			}
		}

		ctrl := newController(cfg.Client, client, opts...)
		defer ctrl.Store().Dispose()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			if err := ctrl.Listen(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("live updates unavailable", "err", err)
			}
		}()

		title := fmt.Sprintf("convostore · %s · %s", cfg.Client.Conversation, cfg.Client.BaseURL)
		runErr := tui.Run(ctx, ctrl, title)
		cancel()

		if cache != nil {
			if err := cache.SaveSnapshot(context.Background(), ctrl.Store().Snapshot()); err != nil {
				logger.Warn("failed to cache conversation", "err", err)
			}
		}

		state.LastConversation = cfg.Client.Conversation
		state.RenderOrder = cfg.Client.RenderOrder
		state.BaseURL = cfg.Client.BaseURL
		if err := config.SaveState(statePath, state); err != nil {
			logger.Warn("failed to save client state", "err", err)
		}
		return runErr
	},
}

func openCache(paths *storage.PathManager) (storage.ChatStore, error) {
	path, err := paths.GetCachePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache path: %w", err)
	}
	return storage.NewChatStore(path, logger)
}

func init() {
	addClientFlags(chatCmd)
	chatCmd.Flags().BoolVar(&chatNoCache, "no-cache", false, "Do not restore or save undelivered messages")
}
