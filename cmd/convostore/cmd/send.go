package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
	"github.com/spf13/cobra"
)

var sendVoice string

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send one message and print the reply",
	Long: `Send one message to a conversation and print the assistant's reply.
With --voice the audio file is transcribed by the backend and the transcript
is sent instead.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if sendVoice == "" && len(args) == 0 {
			return fmt.Errorf("nothing to send: pass text or --voice")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
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

		var ticket store.Ticket
		if sendVoice != "" {
			f, err := os.Open(sendVoice)
			if err != nil {
				return fmt.Errorf("failed to open audio: %w", err)
			}
			defer f.Close()
			ticket, err = ctrl.SendVoice(cmd.Context(), f, filepath.Base(sendVoice))
			if err != nil {
				return err
			}
		} else {
			ticket, err = ctrl.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		// the store was never initialized from history, so it holds just this exchange
		for _, m := range timeline.Sort(ctrl.Store().Snapshot().Messages, timeline.Ascending) {
			switch {
			case m.ID == ticket.ID && sendVoice != "":
				fmt.Fprintf(out, "> %s\n", m.Content)
			case m.Author == message.AuthorAssistant:
				fmt.Fprintln(out, m.Content)
			}
		}
		return nil
	},
}

func init() {
	addClientFlags(sendCmd)
	sendCmd.Flags().StringVar(&sendVoice, "voice", "", "Audio file to transcribe and send")
}
