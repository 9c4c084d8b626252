package publish

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/nerc-ceh/iotswarm/internal/nlog"
	"github.com/nerc-ceh/iotswarm/internal/retry"
)

// MQTTConfig configures a mutual-TLS connection to an MQTT broker.
// Port, CleanSession and KeepAlive take their zero value to
// mean "use the default" (resolved in NewMQTT).
type MQTTConfig struct {
	Endpoint     string
	CertPath     string
	KeyPath      string
	CACertPath   string
	ClientID     string
	Port         int
	CleanSession bool
	KeepAlive    time.Duration
}

const defaultKeepAlive = 1200 * time.Second

// MQTT publishes over mutual TLS with QoS 1, reconnecting under
// exponential backoff and tracking connection state via broker
// callbacks. The zero value is not usable; construct with NewMQTT.
//
// An MQTT value must not be copied after first use: its connection
// handle is excluded from snapshotting by convention (callers simply
// don't serialize this type), and a reconstructed instance connects
// lazily on the first Send.
type MQTT struct {
	cfg         MQTTConfig
	tlsCfg      *tls.Config
	cm          *autopaho.ConnectionManager
	connected   atomic.Bool
	jwtUsername string
	jwtToken    string
}

var _ Publisher = (*MQTT)(nil)

// NewMQTT validates cfg and loads the client certificate, private key
// and root CA from disk. It does not connect; the connection is
// established lazily on the first Send, matching the Python source's
// "connect on demand, retry under backoff" behaviour.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("publish: endpoint must not be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("publish: clientID must not be empty")
	}
	if cfg.Port < 0 {
		return nil, errors.Errorf("publish: port cannot be negative, got %d", cfg.Port)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "publish: load device certificate")
	}

	caBytes, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, errors.Wrap(err, "publish: read root CA")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("publish: root CA file contains no usable certificates")
	}

	port := cfg.Port
	nextProtos := []string{"x-amzn-mqtt-ca"}
	if port == 0 {
		port = 443
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   nextProtos,
		ServerName:   cfg.Endpoint,
	}

	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	cfg.Port = port

	return &MQTT{cfg: cfg, tlsCfg: tlsCfg}, nil
}

// WithJWTCredential signs claims with signingKey and arranges for the
// resulting compact token to be presented as the CONNECT password
// (with username) on every future connection attempt, alongside the
// existing mutual-TLS handshake. Brokers that layer a custom
// authorizer on top of certificate auth (rather than replacing it)
// use this to carry device identity/claims in the CONNECT packet
// itself. Must be called before the first Send.
func (m *MQTT) WithJWTCredential(username string, signingKey []byte, claims jwt.MapClaims) (*MQTT, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return nil, errors.Wrap(err, "publish: sign jwt credential")
	}
	m.jwtUsername = username
	m.jwtToken = signed
	return m, nil
}

// Connected reports the broker connection state as tracked via
// autopaho's connection-up/connection-down callbacks.
func (m *MQTT) Connected() bool { return m.connected.Load() }

func (m *MQTT) connect(ctx context.Context) error {
	if m.connected.Load() {
		return nil
	}

	serverURL, err := url.Parse(fmt.Sprintf("mqtts://%s:%d", m.cfg.Endpoint, m.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "publish: parse broker url")
	}

	return retry.Do(ctx, func() error {
		pahoCfg := autopaho.ClientConfig{
			ServerUrls:    []*url.URL{serverURL},
			TlsCfg:        m.tlsCfg,
			KeepAlive:     uint16(m.cfg.KeepAlive.Seconds()),
			CleanStartOnInitialConnection: m.cfg.CleanSession,
			ConnectUsername: m.jwtUsername,
			ConnectPassword: []byte(m.jwtToken),
			OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
				m.connected.Store(true)
				nlog.Infof("mqtt: connected to %s", m.cfg.Endpoint)
			},
			OnConnectError: func(err error) {
				m.connected.Store(false)
				nlog.Warningf("mqtt: connection error: %v", err)
			},
			ClientConfig: paho.ClientConfig{
				ClientID: m.cfg.ClientID,
				OnClientError: func(err error) {
					m.connected.Store(false)
					nlog.Warningf("mqtt: client error: %v", err)
				},
				OnServerDisconnect: func(*paho.Disconnect) {
					m.connected.Store(false)
				},
			},
		}

		cm, err := autopaho.NewConnection(ctx, pahoCfg)
		if err != nil {
			return errors.Wrap(err, "publish: create connection manager")
		}
		if err := cm.AwaitConnection(ctx); err != nil {
			return errors.Wrap(err, "publish: await initial connection")
		}
		m.cm = cm
		m.connected.Store(true)
		return nil
	})
}

// Send implements Publisher. An empty payload is rejected outright as
// ErrNotSent. Otherwise, if not connected it connects under a 60s
// bounded backoff; on persistent connect/publish failure it returns
// false, nil (a publish failure, not a Go error, matching spec.md's
// treatment of TransientPublish as something the device absorbs). A
// QoS 1 acknowledgement whose reason code is below 0x80 (success) maps
// to a true result; any other response returns false, nil.
func (m *MQTT) Send(ctx context.Context, payload []byte, topic string) (bool, error) {
	if len(payload) == 0 {
		nlog.Errorf("mqtt: no payload to send for topic %q", topic)
		return false, ErrNotSent
	}

	if !m.connected.Load() {
		if err := m.connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false, err
			}
			nlog.Errorf("mqtt: giving up connecting to %s: %v", m.cfg.Endpoint, err)
			return false, nil
		}
	}

	var acked bool
	err := retry.Do(ctx, func() error {
		resp, err := m.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
		})
		if err != nil {
			m.connected.Store(false)
			return errors.Wrap(err, "publish: send")
		}
		acked = resp != nil && resp.ReasonCode < 0x80
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		nlog.Errorf("mqtt: failed to send to %q: %v", topic, err)
		return false, nil
	}

	if acked {
		nlog.Infof("mqtt: sent %d bytes to %q", len(payload), topic)
	}
	return acked, nil
}
