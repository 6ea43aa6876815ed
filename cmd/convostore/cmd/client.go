package cmd

import (
	"github.com/entrepeneur4lyf/convostore/internal/chat"
	"github.com/entrepeneur4lyf/convostore/internal/config"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
	"github.com/entrepeneur4lyf/convostore/internal/transport"
	"github.com/spf13/cobra"
)

// addClientFlags registers the flags shared by commands that talk to a backend
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("conversation", "c", "", "Conversation id (default from client.conversation)")
	cmd.Flags().String("url", "", "Backend base URL (default from client.baseURL)")
	cmd.Flags().String("order", "", "Render order: asc or desc (default from client.renderOrder)")
}

// clientConfig applies the client flags and returns the resulting config
func clientConfig(cmd *cobra.Command) (config.Config, error) {
	for flag, key := range map[string]string{
		"conversation": "client.conversation",
		"url":          "client.baseURL",
		"order":        "client.renderOrder",
	} {
		if err := overrideString(cmd, flag, key); err != nil {
			return config.Config{}, err
		}
	}
	return cfgManager.Config(), nil
}

func newTransport(c config.Client) (*transport.Client, error) {
	retry := transport.DefaultRetryOptions()
	retry.MaxRetries = c.MaxRetries
	return transport.New(transport.Options{
		BaseURL:        c.BaseURL,
		ConversationID: c.Conversation,
		Timeout:        c.RequestTimeout,
		Retry:          retry,
		Logger:         logger,
	})
}

// newController wires a store for the conversation to a backend client
func newController(c config.Client, t chat.Transport, opts ...store.Option) *chat.Controller {
	opts = append([]store.Option{
		store.WithLogger(logger),
		store.WithPageSize(c.PageSize),
		store.WithDirection(timeline.ParseDirection(c.RenderOrder)),
		store.WithConversationID(c.Conversation),
	}, opts...)

	return chat.NewController(store.New(opts...), t, chat.Options{
		ContextWindow: c.ContextWindow,
		Logger:        logger,
	})
}
