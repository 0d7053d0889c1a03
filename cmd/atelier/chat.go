package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	atelier "github.com/atelier-hq/atelier-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryLimit int

	// chat tail
	chatTailStatus bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatTailCmd)

	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "Maximum number of messages to fetch")
	chatTailCmd.Flags().BoolVar(&chatTailStatus, "status", false, "Also print presence updates")
}

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Real-time chat commands",
	Long:  "Browse conversations, read history, send messages, and follow live traffic.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, conv := range convs {
			line := conv.ID
			if conv.LastMessage != nil {
				line += fmt.Sprintf("  %s: %s", conv.LastMessage.SenderID, conv.LastMessage.Content)
			}
			if conv.UnreadCount > 0 {
				line += fmt.Sprintf("  (%d unread)", conv.UnreadCount)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, conversationID, &atelier.HistoryOptions{Limit: chatHistoryLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range page.Messages {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, content := args[0], args[1]
		client := getClient()
		engine := getEngine(client)
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		conv, err := engine.GetOrCreateConversation(ctx, userID)
		if err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}

		msg := engine.SendMessage(ctx, conv.ID, content, "")

		// Wait for the send ack so the CLI exits with a definite status.
		acked := make(chan string, 1)
		sub := engine.Dispatcher().On(atelier.FrameMessageSent, func(f *atelier.Frame) {
			if f.TempID == msg.TempID {
				acked <- f.Message.ID
			}
		})
		defer sub.Cancel()

		select {
		case id := <-acked:
			fmt.Printf("Message sent to conversation %s\n", conv.ID)
			fmt.Printf("  Message ID: %s\n", id)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no ack received, message stays queued as %s", msg.TempID)
		}
	},
}

// ============================================================================
// chat tail
// ============================================================================

var chatTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow live messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		engine := getEngine(client)
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		fmt.Printf("Connected as %s. Ctrl-C to stop.\n", engine.SelfID())

		newMsg := engine.Dispatcher().On(atelier.FrameNewMessage, func(f *atelier.Frame) {
			printMessage(f.Message)
		})
		defer newMsg.Cancel()

		stateSub := engine.OnStateChange(func(s atelier.ConnState, reason string) {
			if reason != "" {
				fmt.Printf("-- connection %s (%s)\n", s, reason)
				return
			}
			fmt.Printf("-- connection %s\n", s)
		})
		defer stateSub.Cancel()

		if chatTailStatus {
			statusSub := engine.OnUserStatus(func(st atelier.UserStatus) {
				fmt.Printf("-- %s is %s\n", st.UserID, st.Status)
			})
			defer statusSub.Cancel()
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		engine.Disconnect("user interrupt")
		return nil
	},
}

func printMessage(msg *atelier.Message) {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, msg.SenderID, msg.Content)
}
