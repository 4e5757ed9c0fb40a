package axon

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/pkg/logger"
	"github.com/axmq/axon/transport"
)

// autoClientIDLimit caps generated client identifiers at the 23 characters
// every MQTT 5.0 broker must accept.
const autoClientIDLimit = 23

// WillOptions describes the last will and testament registered at CONNECT.
type WillOptions struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool

	DelayInterval    uint32
	PayloadFormat    PayloadFormat
	MessageExpiry    uint32
	MessageExpirySet bool
	ContentType      string
	ResponseTopic    string
	CorrelationData  []byte
	UserProperties   []encoding.UTF8Pair
}

// Authenticator is the enhanced-authentication hook consulted for AUTH
// exchanges. Returning nil data with nil error ends the client's part of the
// exchange.
type Authenticator interface {
	// Authenticate is called with the broker's AUTH data each time the
	// broker continues the exchange; the returned data is sent back in an
	// AUTH packet with reason ContinueAuthentication
	Authenticate(authMethod string, brokerData []byte) ([]byte, error)
}

// Options configures a Client. The zero value is unusable; start from
// DefaultOptions.
type Options struct {
	// Broker endpoint. Transport, when set, overrides every other endpoint
	// option; WebSocketURL, when set, selects the WebSocket transport.
	Host         string
	Port         int
	PreferIPv6   bool
	UseTLS       bool
	WebSocketURL string

	// ProxyURL routes a WebSocket connection through an HTTP proxy
	ProxyURL string

	// AllowInvalidCertificates disables broker certificate verification.
	// Test environments only.
	AllowInvalidCertificates bool
	TLSConfig                *tls.Config
	Transport                transport.Transport

	// ClientID is auto-generated (23 characters or fewer) when empty
	ClientID string

	CleanStart bool

	// KeepAlive in seconds; out-of-range values clamp to 0..65535
	KeepAlive int

	// SessionExpiryInterval in seconds; negative clamps to 0, larger than
	// uint32 clamps to the maximum
	SessionExpiryInterval int64

	// ReceiveMaximum is this client's inbound window and half of the
	// in-flight capacity negotiation; 0 means the protocol default of 65535
	ReceiveMaximum uint16

	// MaximumPacketSize advertised to the broker; 0 means unlimited
	MaximumPacketSize uint32

	// TopicAliasMaximum advertised to the broker for inbound aliasing
	TopicAliasMaximum uint16

	RequestResponseInformation bool
	RequestProblemInformation  bool

	UserProperties []encoding.UTF8Pair

	Will *WillOptions

	Username string
	Password *Secret

	AuthenticationMethod string
	AuthenticationData   []byte
	Authenticator        Authenticator

	// ResponseTimeout bounds how long connect/publish/subscribe/unsubscribe
	// wait for their acknowledgement
	ResponseTimeout time.Duration

	// DrainTimeout bounds how long a graceful disconnect waits for the send
	// queue to flush
	DrainTimeout time.Duration

	// ManualAcks defers receive-side PUBACK/PUBCOMP to explicit Ack calls
	ManualAcks bool

	// AutoReconnect re-establishes the session with exponential backoff
	// after a connection loss
	AutoReconnect bool
	Backoff       BackoffConfig

	// Logger receives structured engine logs; nil discards them
	Logger logger.Logger

	// MetricsRegisterer, when set, registers the client's Prometheus
	// collectors on it
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns the baseline configuration.
func DefaultOptions() *Options {
	return &Options{
		Host:            "localhost",
		Port:            1883,
		KeepAlive:       60,
		ReceiveMaximum:  65535,
		ResponseTimeout: 30 * time.Second,
		DrainTimeout:    5 * time.Second,
		Backoff:         DefaultBackoffConfig(),
		Logger:          logger.NewNopLogger(),
	}
}

// validate normalizes the options in place, clamping out-of-range values the
// way the option surface documents.
func (o *Options) validate() error {
	if o.KeepAlive < 0 {
		o.KeepAlive = 0
	}
	if o.KeepAlive > 65535 {
		o.KeepAlive = 65535
	}
	if o.SessionExpiryInterval < 0 {
		o.SessionExpiryInterval = 0
	}
	if o.SessionExpiryInterval > int64(^uint32(0)) {
		o.SessionExpiryInterval = int64(^uint32(0))
	}
	if o.ReceiveMaximum == 0 {
		o.ReceiveMaximum = 65535
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
	if o.ClientID == "" {
		o.ClientID = generateClientID()
	}
	if o.Will != nil && !o.Will.QoS.IsValid() {
		return encoding.ErrInvalidQoS
	}
	return o.Backoff.validate()
}

// buildTransport returns the configured transport, constructing a TCP or
// WebSocket one from the endpoint options when none was injected.
func (o *Options) buildTransport() transport.Transport {
	if o.Transport != nil {
		return o.Transport
	}

	var tlsCfg *tls.Config
	if o.UseTLS {
		tlsCfg = o.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if o.AllowInvalidCertificates {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.InsecureSkipVerify = true
		}
	}

	if o.WebSocketURL != "" {
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:       o.WebSocketURL,
			TLSConfig: tlsCfg,
			ProxyURL:  o.ProxyURL,
		})
	}

	return transport.NewTCP(transport.TCPConfig{
		Address:    fmt.Sprintf("%s:%d", o.Host, o.Port),
		PreferIPv6: o.PreferIPv6,
		TLSConfig:  tlsCfg,
	})
}

// connectPacket assembles the CONNECT for one connection attempt.
// cleanStart may differ from the configured value on reconnects, which
// always try to resume.
func (o *Options) connectPacket(cleanStart bool) (*encoding.ConnectPacket, error) {
	pkt := &encoding.ConnectPacket{
		CleanStart: cleanStart,
		KeepAlive:  uint16(o.KeepAlive),
		ClientID:   o.ClientID,
	}

	props := &pkt.Properties
	if o.SessionExpiryInterval > 0 {
		if err := props.Add(encoding.PropSessionExpiryInterval, uint32(o.SessionExpiryInterval)); err != nil {
			return nil, err
		}
	}
	if o.ReceiveMaximum != 65535 {
		if err := props.Add(encoding.PropReceiveMaximum, o.ReceiveMaximum); err != nil {
			return nil, err
		}
	}
	if o.MaximumPacketSize > 0 {
		if err := props.Add(encoding.PropMaximumPacketSize, o.MaximumPacketSize); err != nil {
			return nil, err
		}
	}
	if o.TopicAliasMaximum > 0 {
		if err := props.Add(encoding.PropTopicAliasMaximum, o.TopicAliasMaximum); err != nil {
			return nil, err
		}
	}
	if o.RequestResponseInformation {
		if err := props.Add(encoding.PropRequestResponseInformation, byte(1)); err != nil {
			return nil, err
		}
	}
	if o.RequestProblemInformation {
		if err := props.Add(encoding.PropRequestProblemInformation, byte(1)); err != nil {
			return nil, err
		}
	}
	if o.AuthenticationMethod != "" {
		if err := props.Add(encoding.PropAuthenticationMethod, o.AuthenticationMethod); err != nil {
			return nil, err
		}
		if len(o.AuthenticationData) > 0 {
			if err := props.Add(encoding.PropAuthenticationData, o.AuthenticationData); err != nil {
				return nil, err
			}
		}
	}
	for _, pair := range o.UserProperties {
		if err := props.Add(encoding.PropUserProperty, pair); err != nil {
			return nil, err
		}
	}

	if o.Will != nil {
		will := &encoding.WillMessage{
			Topic:   o.Will.Topic,
			Payload: o.Will.Payload,
			QoS:     o.Will.QoS,
			Retain:  o.Will.Retain,
		}
		wp := &will.Properties
		if o.Will.DelayInterval > 0 {
			if err := wp.Add(encoding.PropWillDelayInterval, o.Will.DelayInterval); err != nil {
				return nil, err
			}
		}
		if o.Will.PayloadFormat == PayloadUTF8 {
			if err := wp.Add(encoding.PropPayloadFormatIndicator, byte(1)); err != nil {
				return nil, err
			}
		}
		if o.Will.MessageExpirySet {
			if err := wp.Add(encoding.PropMessageExpiryInterval, o.Will.MessageExpiry); err != nil {
				return nil, err
			}
		}
		if o.Will.ContentType != "" {
			if err := wp.Add(encoding.PropContentType, o.Will.ContentType); err != nil {
				return nil, err
			}
		}
		if o.Will.ResponseTopic != "" {
			if err := wp.Add(encoding.PropResponseTopic, o.Will.ResponseTopic); err != nil {
				return nil, err
			}
		}
		if len(o.Will.CorrelationData) > 0 {
			if err := wp.Add(encoding.PropCorrelationData, o.Will.CorrelationData); err != nil {
				return nil, err
			}
		}
		for _, pair := range o.Will.UserProperties {
			if err := wp.Add(encoding.PropUserProperty, pair); err != nil {
				return nil, err
			}
		}
		pkt.Will = will
	}

	if o.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = o.Username
	}
	if o.Password != nil {
		if pw := o.Password.reveal(); pw != nil {
			pkt.PasswordFlag = true
			pkt.Password = pw
		}
	}

	return pkt, nil
}

// generateClientID builds a broker-safe random identifier
func generateClientID() string {
	id := "axon-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > autoClientIDLimit {
		id = id[:autoClientIDLimit]
	}
	return id
}
