package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of mqtt.Client the bridge publishes through.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Bridge relays modem events to MQTT and sends the SMS requests published
// on <prefix>/sms/send.
type Bridge struct {
	Logger    *slog.Logger
	Modem     Gateway
	Publisher Publisher
	Prefix    string
}

// SMSResult is published on <prefix>/sms/sent for every send request.
type SMSResult struct {
	ID     string `json:"id"`
	To     string `json:"to"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const publishTimeout = 5 * time.Second

func (b *Bridge) topic(parts ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(b.Prefix, "/")}, parts...), "/")
}

func (b *Bridge) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	token := b.Publisher.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run publishes received messages, incoming calls and USSD replies until
// ctx is done or the modem closes its streams.
func (b *Bridge) Run(ctx context.Context) {
	messages, unsubscribeMessages := b.Modem.Messages().Subscribe()
	defer unsubscribeMessages()
	calls, unsubscribeCalls := b.Modem.Calls().Subscribe()
	defer unsubscribeCalls()
	replies, unsubscribeReplies := b.Modem.USSDReplies().Subscribe()
	defer unsubscribeReplies()

	for {
		var (
			topic string
			data  any
		)
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			topic, data = b.topic("sms", "received"), msg
		case call, ok := <-calls:
			if !ok {
				return
			}
			topic, data = b.topic("call", "incoming"), call
		case reply, ok := <-replies:
			if !ok {
				return
			}
			topic, data = b.topic("ussd"), reply
		}

		if err := b.publish(topic, data); err != nil {
			b.Logger.Warn("MQTT publish failed", "error", err)
		}
	}
}

// handleSend sends the SMS described by payload and reports the outcome.
func (b *Bridge) handleSend(ctx context.Context, payload []byte) SMSResult {
	var req SMSRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.Logger.Warn("MQTT bad payload", "error", err)
		return SMSResult{Status: "rejected", Error: err.Error()}
	}
	if err := req.validate(); err != nil {
		b.Logger.Warn("MQTT request rejected", "error", err, "id", req.ID)
		return SMSResult{ID: req.ID, To: req.To, Status: "rejected", Error: err.Error()}
	}

	result := SMSResult{ID: req.ID, To: req.To, Status: "sent"}
	if err := b.Modem.SendSMS(ctx, req.To, req.Message, req.Flash); err != nil {
		b.Logger.Error("Failed to send SMS", "error", err, "to", req.To, "id", req.ID)
		result.Status = "failed"
		result.Error = err.Error()
		return result
	}
	b.Logger.Info("SMS sent successfully", "to", req.To, "id", req.ID, "message_length", len(req.Message))
	return result
}

// onConnect subscribes the send topic, again after every reconnect.
func (b *Bridge) onConnect(ctx context.Context) mqtt.OnConnectHandler {
	return func(c mqtt.Client) {
		topic := b.topic("sms", "send")
		b.Logger.Info("MQTT connected", "subscribe", topic)
		token := c.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			result := b.handleSend(ctx, m.Payload())
			if err := b.publish(b.topic("sms", "sent"), result); err != nil {
				b.Logger.Warn("MQTT publish failed", "error", err, "id", result.ID)
			}
		})
		if token.Wait() && token.Error() != nil {
			b.Logger.Error("MQTT subscribe failed", "error", token.Error(), "topic", topic)
		}
	}
}

// ConnectMQTT connects the bridge to the configured broker. The client
// reconnects on its own and disconnects once ctx is done.
func ConnectMQTT(ctx context.Context, cfg MQTTConfig, bridge *Bridge) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		bridge.Logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(bridge.onConnect(ctx))

	client := mqtt.NewClient(opts)
	bridge.Publisher = client

	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(500)
	}()
	return client, nil
}
