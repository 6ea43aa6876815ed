package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/go-logfmt/logfmt"
	"github.com/spf13/cobra"
)

var (
	historyAll    bool
	historyPages  int
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a conversation",
	Long: `Print the most recent page of a conversation, or every page with --all.
Pages are merged into one ordered timeline before printing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		write, err := historyWriter(historyFormat)
		if err != nil {
			return err
		}
		cfg, err := clientConfig(cmd)
		if err != nil {
			return err
		}
		client, err := newTransport(cfg.Client)
		if err != nil {
			return err
		}
		ctrl := newController(cfg.Client, client)
		defer ctrl.Store().Dispose()

		ctx := cmd.Context()
		if err := ctrl.Init(ctx); err != nil {
			return err
		}
		for pages := 1; historyAll || pages < historyPages; pages++ {
			loaded, err := ctrl.LoadMore(ctx)
			if err != nil {
				return err
			}
			if !loaded {
				break
			}
		}

		st := ctrl.Store().State()
		logger.Debug("history loaded", "conversation", st.ConversationID, "messages", len(st.Messages), "pages", st.Cursor.CurrentPage)
		return write(cmd.OutOrStdout(), st.Messages)
	},
}

type historyFunc func(w io.Writer, msgs []message.Message) error

func historyWriter(format string) (historyFunc, error) {
	switch format {
	case "text":
		return writeHistoryText, nil
	case "json":
		return writeHistoryJSON, nil
	case "logfmt":
		return writeHistoryLogfmt, nil
	default:
		return nil, fmt.Errorf("unknown format %q (text, json, logfmt)", format)
	}
}

func writeHistoryText(w io.Writer, msgs []message.Message) error {
	for _, m := range msgs {
		if _, err := fmt.Fprintf(w, "[%s] %s: %s\n", m.SortTime().Local().Format(time.DateTime), m.Author, m.Content); err != nil {
			return err
		}
	}
	return nil
}

func writeHistoryJSON(w io.Writer, msgs []message.Message) error {
	raws := make([]message.RawMessage, len(msgs))
	for i, m := range msgs {
		raws[i] = message.ToRaw(m)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(raws)
}

func writeHistoryLogfmt(w io.Writer, msgs []message.Message) error {
	enc := logfmt.NewEncoder(w)
	for _, m := range msgs {
		err := enc.EncodeKeyvals(
			"time", m.SortTime().Format(time.RFC3339Nano),
			"id", m.ID,
			"author", string(m.Author),
			"state", string(m.State),
			"content", m.Content,
		)
		if err != nil {
			return err
		}
		if err := enc.EndRecord(); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	addClientFlags(historyCmd)
	historyCmd.Flags().BoolVarP(&historyAll, "all", "a", false, "Fetch every page")
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "Number of pages to fetch")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "text", "Output format: text, json, logfmt")
}
