// Package mqtt mirrors thermostat state to an MQTT broker as retained
// messages.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/lastowl/nolongerevil-bridge/internal/config"
	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// client is the part of paho.Client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher publishes <prefix>/<serial>/state for every state change
type Publisher struct {
	cli    client
	prefix string
	qos    byte
	now    func() time.Time
}

// statePayload is the retained state message
type statePayload struct {
	nle.ThermostatState
	UpdatedAt time.Time `json:"updatedAt"`
}

// Connect dials the broker. The broker marks the bridge offline through the
// will message if the connection drops.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	p := &Publisher{prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"), qos: byte(cfg.QoS), now: time.Now}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.AvailabilityTopic(), availabilityOffline, p.qos, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.WithField("broker", cfg.Broker).Info("MQTT connected")
		c.Publish(p.AvailabilityTopic(), p.qos, true, availabilityOnline)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithField("broker", cfg.Broker).Warn("MQTT connection lost: %v", err)
	})

	cli := paho.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(connectTimeout) {
		log.WithField("broker", cfg.Broker).Warn("MQTT broker not reachable yet, retrying in the background")
	} else if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p.cli = cli
	return p, nil
}

func newPublisher(cli client, prefix string, qos byte) *Publisher {
	return &Publisher{cli: cli, prefix: strings.TrimSuffix(prefix, "/"), qos: qos, now: time.Now}
}

// StateTopic returns the retained topic for a thermostat
func (p *Publisher) StateTopic(serial string) string {
	return p.prefix + "/" + serial + "/state"
}

// AvailabilityTopic returns the bridge's online/offline topic
func (p *Publisher) AvailabilityTopic() string {
	return p.prefix + "/bridge/availability"
}

// Publish is a platform state listener. It does not wait for the broker.
func (p *Publisher) Publish(state nle.ThermostatState) {
	if state.Serial == "" {
		return
	}
	payload, err := json.Marshal(statePayload{ThermostatState: state, UpdatedAt: p.now().UTC()})
	if err != nil {
		log.WithField("serial", state.Serial).Error("Failed to encode MQTT state: %v", err)
		return
	}

	t := p.cli.Publish(p.StateTopic(state.Serial), p.qos, true, payload)
	go func() {
		if t.WaitTimeout(publishTimeout) && t.Error() != nil {
			log.WithField("serial", state.Serial).Warn("MQTT publish failed: %v", t.Error())
		}
	}()
}

// Forget clears the retained state of a removed thermostat
func (p *Publisher) Forget(serial string) {
	p.cli.Publish(p.StateTopic(serial), p.qos, true, []byte{})
}

// Close marks the bridge offline and disconnects
func (p *Publisher) Close() {
	t := p.cli.Publish(p.AvailabilityTopic(), p.qos, true, availabilityOffline)
	t.WaitTimeout(publishTimeout)
	p.cli.Disconnect(250)
}
