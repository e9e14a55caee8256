package peerwire

import (
	"context"
	"time"

	channelpkg "github.com/drblury/peerwire/internal/runtime/channel"
	configpkg "github.com/drblury/peerwire/internal/runtime/config"
	envelopepkg "github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	hubpkg "github.com/drblury/peerwire/internal/runtime/hub"
	idspkg "github.com/drblury/peerwire/internal/runtime/ids"
	jsoncodec "github.com/drblury/peerwire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/peerwire/internal/runtime/logging"
	metricspkg "github.com/drblury/peerwire/internal/runtime/metrics"
	pubsubpkg "github.com/drblury/peerwire/internal/runtime/pubsub"
	queuepkg "github.com/drblury/peerwire/internal/runtime/queue"
	rpcpkg "github.com/drblury/peerwire/internal/runtime/rpc"
	transportpkg "github.com/drblury/peerwire/transport"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError
	RemoteError           = errspkg.RemoteError
	TransportError        = errspkg.TransportError

	Channel       = channelpkg.Channel
	ChannelState  = channelpkg.State
	Conn          = channelpkg.Conn
	Dialer        = channelpkg.Dialer
	DialerFunc    = channelpkg.DialerFunc
	CloseListener = channelpkg.CloseListener

	Envelope = envelopepkg.Envelope
	Protocol = envelopepkg.Protocol
	Args     = envelopepkg.Args

	Broker          = rpcpkg.Broker
	Bindings        = rpcpkg.Bindings
	Call            = rpcpkg.Call
	FunctionHandler = rpcpkg.Handler
	CallMiddleware  = rpcpkg.Middleware
	CallContext     = rpcpkg.CallContext
	CallHooks       = rpcpkg.CallHooks

	QueueStore    = queuepkg.Store
	QueueService  = queuepkg.Service
	QueueCallback = queuepkg.Callback

	TopicRegistry = pubsubpkg.Registry
	TopicCallback = pubsubpkg.Callback

	Hub           = hubpkg.Hub
	HubOption     = hubpkg.Option
	Session       = hubpkg.Session
	SessionInfo   = hubpkg.SessionInfo
	SessionEvent  = hubpkg.SessionEvent
	TopicInfo     = hubpkg.TopicInfo
	HubCallback   = hubpkg.Callback
	CallResult    = hubpkg.CallResult
	BackplaneInfo = hubpkg.BackplaneInfo

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	MetricsCollector = metricspkg.Collector
	MetricsSnapshot  = metricspkg.Snapshot

	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	Transport             = transportpkg.Transport
)

const (
	Disconnected = channelpkg.Disconnected
	Connecting   = channelpkg.Connecting
	Open         = channelpkg.Open

	SessionConnected    = hubpkg.SessionConnected
	SessionDisconnected = hubpkg.SessionDisconnected
)

var (
	DefaultConfig  = configpkg.Defaults
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewHub             = hubpkg.New
	WithHubLogger      = hubpkg.WithLogger
	WithHubRegistry    = hubpkg.WithRegistry
	WithHubBindings    = hubpkg.WithBindings
	WithHubStore       = hubpkg.WithStore
	WithHubCallHooks   = hubpkg.WithCallHooks
	WithHubBackplane   = hubpkg.WithBackplane
	NewBindings        = rpcpkg.NewBindings
	NewQueueStore      = queuepkg.NewStore
	NewMetrics         = metricspkg.New
	Pipe               = channelpkg.Pipe
	NewWebSocketConn   = channelpkg.NewWebSocketConn
	DefaultMiddlewares = rpcpkg.DefaultMiddlewares
	LoggingHooks       = rpcpkg.LoggingHooks
	MetricsHooks       = rpcpkg.MetricsHooks
	AlertingHooks      = rpcpkg.AlertingHooks

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID = idspkg.CreateULID

	IsRemote    = errspkg.IsRemote
	IsTransport = errspkg.IsTransport

	ErrNotOpen           = errspkg.ErrNotOpen
	ErrBusy              = errspkg.ErrBusy
	ErrClosed            = errspkg.ErrClosed
	ErrSerialization     = errspkg.ErrSerialization
	ErrMalformedEnvelope = errspkg.ErrMalformedEnvelope
	ErrUnknownProtocol   = errspkg.ErrUnknownProtocol
	ErrProtocolTaken     = errspkg.ErrProtocolTaken
	ErrHandshakePending  = errspkg.ErrHandshakePending
	ErrConnectionRefused = errspkg.ErrConnectionRefused
	ErrTimeout           = errspkg.ErrTimeout
	ErrNotSubscribed     = errspkg.ErrNotSubscribed
	ErrKeyRequired       = errspkg.ErrKeyRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrBindingBusy       = errspkg.ErrBindingBusy
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrChannelRequired   = errspkg.ErrChannelRequired
)

// CallInto calls key on the broker's peer and decodes the reply into T.
func CallInto[T any](ctx context.Context, b *Broker, key string, timeout time.Duration, args ...any) (T, error) {
	return rpcpkg.CallInto[T](ctx, b, key, timeout, args...)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
