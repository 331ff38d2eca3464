package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/docchat/docchat/pkg/helpers"
)

// StreamEventHandler dispatches typed stream events to a consumer, usually
// the reconciliation layer or an observer attached via the router.
type StreamEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandlePartial(ctx context.Context, e *EventPartial) error
	HandleMeta(ctx context.Context, e *EventMeta) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
}

// EventRouter wires a watermill in-process pub/sub with a router so stream
// observers (loggers, UIs, recorders) can subscribe to the event flow without
// touching the streaming session itself.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		if verbose {
			r.logger = helpers.NewWatermill(log.Logger)
		}
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
		// not returning just yet
	}

	log.Debug().Msg("closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close router")
	}

	return nil
}

// AddHandler registers a handler for raw watermill messages on a topic.
func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddStreamEventHandler registers a handler that parses stream events and
// dispatches them to the typed methods of the provided StreamEventHandler.
func (e *EventRouter) AddStreamEventHandler(name string, topic string, handler StreamEventHandler) {
	e.AddHandler(name, topic, createDispatchHandler(handler))
}

func createDispatchHandler(handler StreamEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).
				Msg("failed to parse stream event from message payload")
			// don't kill the handler for one bad message
			return nil
		}

		msgCtx := msg.Context()
		switch ev := ev.(type) {
		case *EventStart:
			return handler.HandleStart(msgCtx, ev)
		case *EventPartial:
			return handler.HandlePartial(msgCtx, ev)
		case *EventMeta:
			return handler.HandleMeta(msgCtx, ev)
		case *EventFinal:
			return handler.HandleFinal(msgCtx, ev)
		case *EventError:
			return handler.HandleError(msgCtx, ev)
		case *EventInterrupt:
			return handler.HandleInterrupt(msgCtx, ev)
		default:
			log.Warn().Str("event_type", string(ev.Type())).Msg("unhandled stream event type")
		}

		return nil
	}
}

// DumpRawEvents prints events to stdout, trimming metadata unless the router
// is verbose. Useful as a debugging handler.
func (e *EventRouter) DumpRawEvents(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	err := json.Unmarshal(msg.Payload, &s)
	if err != nil {
		return err
	}
	if !e.verbose {
		if meta, ok := s["meta"].(map[string]interface{}); ok {
			s["id"] = meta["event_id"]
		}
		delete(s, "meta")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(s_))
	return nil
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
