package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/docchat/docchat/pkg/chatclient"
	"github.com/docchat/docchat/pkg/chatstate"
	"github.com/docchat/docchat/pkg/conversation"
	"github.com/docchat/docchat/pkg/events"
	"github.com/docchat/docchat/pkg/helpers"
	"github.com/docchat/docchat/pkg/streaming"
)

const streamTopic = "chat"

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Chat interactively within a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), args[0])
		},
	}
}

func runChat(ctx context.Context, conversationID string) error {
	serverURL := viper.GetString("server")
	urlOpts := chatclient.URLOptions{AllowHTTP: true, AllowLocalNetworks: true}
	if viper.GetBool("strict-urls") {
		urlOpts = chatclient.URLOptions{}
	}
	if err := chatclient.ValidateBaseURL(serverURL, urlOpts); err != nil {
		return errors.Wrap(err, "invalid server URL")
	}

	client := chatclient.NewClient(
		serverURL,
		chatclient.WithAPIKey(viper.GetString("api-key")),
	)

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	publisher := helpers.CorrelationPublisherDecorator{Publisher: router.Publisher}
	sink := streaming.NewWatermillSink(publisher, streamTopic)
	sessions := streaming.NewManager(client, streaming.WithSinks(sink))
	engine := chatstate.NewEngine(conversationID, client, sessions)

	router.AddStreamEventHandler("console", streamTopic, &consolePrinter{})
	if viper.GetBool("verbose") {
		router.AddHandler("dump", streamTopic, router.DumpRawEvents)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return repl(ctx, engine)
	})

	return eg.Wait()
}

func repl(ctx context.Context, engine *chatstate.Engine) error {
	if err := engine.Load(ctx); err != nil {
		return errors.Wrap(err, "could not load conversation")
	}
	printTranscript(engine.Resolution())

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := handleLine(ctx, engine, line); err != nil {
			log.Error().Err(err).Msg("command failed")
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func handleLine(ctx context.Context, engine *chatstate.Engine, line string) error {
	if !strings.HasPrefix(line, "/") {
		handle, err := engine.Submit(ctx, line)
		if err != nil {
			return err
		}
		handle.Wait()
		fmt.Println()
		return nil
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/abort":
		return engine.Abort()

	case "/transcript":
		printTranscript(engine.Resolution())
		return nil

	case "/edit":
		if len(args) < 2 {
			return errors.New("usage: /edit <message-id> <new content>")
		}
		handle, err := engine.Edit(ctx, conversation.MessageID(args[0]), strings.Join(args[1:], " "), true)
		if err != nil {
			return err
		}
		if handle != nil {
			handle.Wait()
			fmt.Println()
		}
		return nil

	case "/regenerate":
		if len(args) != 1 {
			return errors.New("usage: /regenerate <user-message-id>")
		}
		handle, err := engine.Regenerate(ctx, conversation.MessageID(args[0]))
		if err != nil {
			return err
		}
		handle.Wait()
		fmt.Println()
		return nil

	case "/save":
		if len(args) != 1 {
			return errors.New("usage: /save <file>")
		}
		return engine.SaveSnapshot(args[0])

	case "/delete":
		if len(args) != 1 {
			return errors.New("usage: /delete <message-id>")
		}
		return engine.Delete(ctx, conversation.MessageID(args[0]))

	case "/prev", "/next":
		if len(args) != 1 {
			return errors.New("usage: " + cmd + " <message-id>")
		}
		navigate := engine.PrevVersion
		if cmd == "/next" {
			navigate = engine.NextVersion
		}
		id, err := navigate(conversation.MessageID(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("now showing %s\n", id)
		printTranscript(engine.Resolution())
		return nil

	default:
		return errors.Errorf("unknown command %s", cmd)
	}
}

func printTranscript(res conversation.Resolution) {
	for _, msg := range res.Path {
		marker := ""
		if msg.GroupSize > 1 {
			marker = fmt.Sprintf(" (version %d/%d)", msg.GroupIndex+1, msg.GroupSize)
		}
		fmt.Printf("[%s]%s %s: %s\n", msg.ID, marker, msg.Role, msg.Content)
		for _, chunk := range msg.SourceChunks {
			fmt.Printf("    [%d] %s\n", chunk.Index, chunk.Source)
		}
	}
	if res.LastAssistantID != conversation.NullID {
		fmt.Printf("-- active parent: %s\n", res.LastAssistantID)
	}
}

// consolePrinter streams tokens to stdout as they arrive on the bus.
type consolePrinter struct{}

func (p *consolePrinter) HandleStart(_ context.Context, _ *events.EventStart) error {
	fmt.Print("assistant: ")
	return nil
}

func (p *consolePrinter) HandlePartial(_ context.Context, e *events.EventPartial) error {
	fmt.Print(e.Delta)
	return nil
}

func (p *consolePrinter) HandleMeta(_ context.Context, e *events.EventMeta) error {
	log.Debug().Str("user_message_id", e.UserMessageID).Msg("user turn persisted")
	return nil
}

func (p *consolePrinter) HandleFinal(_ context.Context, _ *events.EventFinal) error {
	fmt.Println()
	return nil
}

func (p *consolePrinter) HandleError(_ context.Context, e *events.EventError) error {
	fmt.Printf("\n[error: %s]\n", e.ErrorString)
	return nil
}

func (p *consolePrinter) HandleInterrupt(_ context.Context, _ *events.EventInterrupt) error {
	fmt.Println("\n[stopped]")
	return nil
}

var _ events.StreamEventHandler = (*consolePrinter)(nil)
