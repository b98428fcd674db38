package bridge

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bmwcd/connecteddrive/internal/log"
)

//go:generate mockgen -source publisher.go -destination mocks/publisher.go -package mocks

// Publisher sends bridge output to the broker. Implementations must be safe
// for concurrent use.
type Publisher interface {
	// Publish sends payload to topic and blocks until the broker
	// acknowledges it, subject to the configured QoS.
	Publish(topic string, payload []byte, retained bool) error

	// Close announces the bridge as offline and disconnects.
	Close()
}

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout  = 10 * time.Second
	disconnectGrace = 500 // milliseconds paho waits for in-flight messages
)

type mqttPublisher struct {
	client      mqtt.Client
	qos         byte
	statusTopic string
}

// NewPublisher connects to the broker named in config. The connection carries
// a last-will message so subscribers see {topic_prefix}/bridge/status flip to
// "offline" even when the bridge dies without a clean shutdown.
func NewPublisher(config *MQTTConfig) (Publisher, error) {
	statusTopic := config.TopicPrefix + "/bridge/status"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetWill(statusTopic, payloadOffline, config.QoS, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warning("MQTT connection lost: %s", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info("Connected to MQTT broker %s", config.Broker)
		token := client.Publish(statusTopic, config.QoS, true, payloadOnline)
		go func() {
			if token.Wait() && token.Error() != nil {
				log.Warning("Error announcing bridge online: %s", token.Error())
			}
		}()
	})

	if config.JWTSecret != "" {
		// The provider runs on every connection attempt, so reconnects
		// after a long outage present a fresh token rather than an
		// expired one.
		opts.SetCredentialsProvider(func() (string, string) {
			token, err := brokerToken(config.ClientID, []byte(config.JWTSecret), config.JWTTTL)
			if err != nil {
				log.Error("Error minting broker token: %s", err)
				return config.Username, ""
			}
			return config.Username, token
		})
	} else {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &mqttPublisher{client: client, qos: config.QoS, statusTopic: statusTopic}, nil
}

func (p *mqttPublisher) Publish(topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *mqttPublisher) Close() {
	if err := p.Publish(p.statusTopic, []byte(payloadOffline), true); err != nil {
		log.Warning("Error announcing bridge offline: %s", err)
	}
	p.client.Disconnect(disconnectGrace)
}

// brokerToken mints a short-lived HS256 credential for brokers that
// authenticate clients with JWT passwords.
func brokerToken(clientID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
