// Package nats carries commands, replies and dead letters between the
// coordinator and the nodes over NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/plaenen/exactlyonce/pkg/credentials"
	"github.com/plaenen/exactlyonce/pkg/dispatch"
	"github.com/plaenen/exactlyonce/pkg/domain"
	"github.com/plaenen/exactlyonce/pkg/idgen"
	"github.com/plaenen/exactlyonce/pkg/observability"
	"go.opentelemetry.io/otel"
)

// Config holds the transport settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies the client connection.
	Name string

	// Stream is the JetStream stream holding every subject under
	// SubjectPrefix.
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration

	// MaxDeliver bounds redelivery of a message whose handler keeps failing.
	// The last failure dead-letters the message.
	MaxDeliver int
	AckWait    time.Duration
	NakDelay   time.Duration

	MaxReconnects int
	ReconnectWait time.Duration

	// Credentials authenticate the connection. Nil connects anonymously.
	Credentials credentials.Provider

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns the defaults for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "exactlyonce",
		Stream:        "CONTROL_COMPONENTS",
		SubjectPrefix: "exactlyonce",
		MaxAge:        7 * 24 * time.Hour,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		NakDelay:      time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Handler processes one decoded message. A returned error redelivers it.
type Handler func(ctx context.Context, msg dispatch.Message) error

// DeadLetterHandler processes one dead letter.
type DeadLetterHandler func(ctx context.Context, dl dispatch.DeadLetter) error

// Transport implements dispatch.Transport on JetStream.
type Transport struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	config   Config
	subjects subjects
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	consumers []string
}

var _ dispatch.Transport = (*Transport)(nil)

// Connect opens the connection and creates the stream if it is missing.
func Connect(ctx context.Context, config Config) (*Transport, error) {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = defaults.MaxDeliver
	}
	if config.AckWait <= 0 {
		config.AckWait = defaults.AckWait
	}
	if config.NakDelay <= 0 {
		config.NakDelay = defaults.NakDelay
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = defaults.ReconnectWait
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "client", config.Name)

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if config.Credentials != nil {
		auth, err := authOption(ctx, config.Credentials)
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth)
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		nc:       nc,
		js:       js,
		config:   config,
		subjects: subjects{prefix: config.SubjectPrefix},
		logger:   logger,
		ctx:      tctx,
		cancel:   cancel,
	}
	if err := t.ensureStream(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// authOption turns provider credentials into a connection option.
func authOption(ctx context.Context, provider credentials.Provider) (nats.Option, error) {
	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	switch creds.Type {
	case credentials.CredentialTypeToken:
		return nats.Token(creds.Token), nil
	case credentials.CredentialTypeUserPassword:
		return nats.UserInfo(creds.User, creds.Password), nil
	case credentials.CredentialTypeNKey:
		kp, err := nkeys.FromSeed([]byte(creds.Seed))
		if err != nil {
			return nil, fmt.Errorf("invalid nkey seed: %w", err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("derive nkey public key: %w", err)
		}
		return nats.Nkey(pub, kp.Sign), nil
	case credentials.CredentialTypeJWT:
		return nats.UserJWTAndSeed(creds.JWTToken, creds.Seed), nil
	default:
		return nil, fmt.Errorf("unsupported credential type: %s", creds.Type)
	}
}

func (t *Transport) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       t.config.Stream,
		Subjects:   []string{t.subjects.all()},
		Retention:  nats.LimitsPolicy,
		MaxAge:     t.config.MaxAge,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}

	info, err := t.js.StreamInfo(cfg.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := t.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		t.logger.Info("stream created", "stream", cfg.Name, "subjects", cfg.Subjects)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}
	if info.Config.MaxAge != cfg.MaxAge {
		if _, err := t.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Send publishes a command to its node, or a reply to the coordinator.
// The message id doubles as the JetStream deduplication id, so resending
// the same message inside the duplicate window stores it once.
func (t *Transport) Send(ctx context.Context, msg dispatch.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = idgen.NewMessageID()
	}
	return t.publish(ctx, encode(t.subjects.forMessage(msg), msg))
}

// DeadLetter publishes dl to the dead-letter subject of its operation.
func (t *Transport) DeadLetter(ctx context.Context, dl dispatch.DeadLetter) error {
	if dl.Message.MessageID == "" {
		dl.Message.MessageID = idgen.NewMessageID()
	}
	// a dead letter must not be deduplicated against the message it wraps
	dl.Message.MessageID = "dlq-" + dl.Message.MessageID
	return t.publish(ctx, encodeDeadLetter(t.subjects.deadLetter(dl.Message.Identity.Operation), dl))
}

func (t *Transport) publish(ctx context.Context, out *nats.Msg) error {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{header: out.Header})
	if _, err := t.js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", out.Subject, err)
	}
	return nil
}

// ConsumeCommands delivers the commands addressed to nodeID. Node replicas
// with the same id share the durable consumer, so each command is handled
// by one of them.
func (t *Transport) ConsumeCommands(nodeID int, h Handler) error {
	name := fmt.Sprintf("node-%d-commands", nodeID)
	return t.consume(t.subjects.commandsFor(nodeID), name, func(ctx context.Context, in *nats.Msg) error {
		msg, err := decode(in)
		if err != nil {
			return poison{err}
		}
		return h(ctx, msg)
	})
}

// ConsumeReplies delivers the replies and error replies sent to the
// coordinator.
func (t *Transport) ConsumeReplies(h Handler) error {
	return t.consume(t.subjects.replies(), "coordinator-replies", func(ctx context.Context, in *nats.Msg) error {
		msg, err := decode(in)
		if err != nil {
			return poison{err}
		}
		return h(ctx, msg)
	})
}

// ConsumeDeadLetters delivers dead letters, for audit or alerting.
func (t *Transport) ConsumeDeadLetters(h DeadLetterHandler) error {
	return t.consume(t.subjects.deadLetters(), "dead-letters", func(ctx context.Context, in *nats.Msg) error {
		return h(ctx, decodeDeadLetter(in))
	})
}

// poison marks a message that can never be handled.
type poison struct {
	err error
}

func (p poison) Error() string { return p.err.Error() }
func (p poison) Unwrap() error { return p.err }

func (t *Transport) consume(subject, durable string, handle func(context.Context, *nats.Msg) error) error {
	_, err := t.js.QueueSubscribe(subject, durable, func(in *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(t.ctx, headerCarrier{header: in.Header})
		err := handle(ctx, in)
		if err == nil {
			if err := in.Ack(); err != nil {
				t.logger.Warn("ack failed", "subject", in.Subject, "error", err)
			}
			return
		}
		t.reject(ctx, in, err)
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(t.config.AckWait),
		nats.MaxDeliver(t.config.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, durable)
	t.mu.Unlock()
	t.logger.Info("consuming", "subject", subject, "durable", durable)
	return nil
}

// reject redelivers a failed message, or dead-letters it once it is poison
// or out of deliveries.
func (t *Transport) reject(ctx context.Context, in *nats.Msg, cause error) {
	var p poison
	exhausted := errors.As(cause, &p)
	if meta, err := in.Metadata(); err == nil && meta.NumDelivered >= uint64(t.config.MaxDeliver) {
		exhausted = true
	}

	if !exhausted {
		t.logger.Warn("handler failed, redelivering", "subject", in.Subject, "error", cause)
		if err := in.NakWithDelay(t.config.NakDelay); err != nil {
			t.logger.Warn("nak failed", "subject", in.Subject, "error", err)
		}
		return
	}

	code := domain.FailureDeliveryExhausted
	if errors.As(cause, &p) {
		code = domain.FailureInvalidMessage
	}
	t.logger.Error("dead-lettering message", "subject", in.Subject, "code", code, "error", cause)

	if !t.isDeadLetter(in) {
		out := nats.NewMsg(t.config.SubjectPrefix + ".dlq." + operationToken(in))
		for k, v := range in.Header {
			out.Header[k] = v
		}
		out.Header.Del(nats.MsgIdHdr)
		out.Header.Set(HeaderDeadLetterReason, cause.Error())
		out.Header.Set(HeaderDeadLetterCode, code)
		out.Data = in.Data
		if err := t.publish(ctx, out); err != nil {
			t.logger.Error("dead-letter publish failed, redelivering", "subject", in.Subject, "error", err)
			_ = in.NakWithDelay(t.config.NakDelay)
			return
		}
		t.config.Metrics.RecordDeadLetter(ctx, in.Header.Get(HeaderOperation), code)
	}
	if err := in.Term(); err != nil {
		t.logger.Warn("term failed", "subject", in.Subject, "error", err)
	}
}

func (t *Transport) isDeadLetter(in *nats.Msg) bool {
	return in.Header.Get(HeaderDeadLetterCode) != ""
}

// operationToken names the dead-letter subject of a message that may not
// carry a valid operation header.
func operationToken(in *nats.Msg) string {
	if op, err := domain.ParseOperation(in.Header.Get(HeaderOperation)); err == nil {
		return string(op)
	}
	return "UNROUTABLE"
}

// IsConnected reports whether the connection is up.
func (t *Transport) IsConnected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// ConnectedURL returns the server the connection is attached to.
func (t *Transport) ConnectedURL() string {
	if t.nc == nil {
		return ""
	}
	return t.nc.ConnectedUrl()
}

// Consumers lists the durable consumers this transport subscribed to.
func (t *Transport) Consumers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.consumers...)
}

// Close closes the connection. Subscriptions are not unsubscribed, since
// that would delete their durable consumers; unacknowledged messages are
// redelivered after the next connect.
func (t *Transport) Close() error {
	t.cancel()
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
