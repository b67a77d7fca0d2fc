package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds the broker connection settings for MQTTSource.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string // e.g. assets/+/position
}

// MQTTSource subscribes to device position topics and hands each message to a batch
// handler. Devices publish to assets/<asset_id>/position.
type MQTTSource struct {
	cfg    MQTTConfig
	client mqtt.Client
	handle func(context.Context, []TrackPoint) error
}

func NewMQTTSource(cfg MQTTConfig, handle func(context.Context, []TrackPoint) error) *MQTTSource {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	s := &MQTTSource{cfg: cfg, handle: handle}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// resubscribe after reconnects
		if token := c.Subscribe(cfg.Topic, 1, s.onMessage); token.Wait() && token.Error() != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.Topic, "error", token.Error())
			return
		}
		slog.Info("mqtt subscribed", "broker", cfg.Broker, "topic", cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker. Subscription happens in the connect handler.
func (s *MQTTSource) Start() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", s.cfg.Broker, token.Error())
	}
	return nil
}

func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	points, err := decodeMQTTPayload(msg.Topic(), msg.Payload())
	if err != nil {
		slog.Warn("mqtt message rejected", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.handle(ctx, points); err != nil {
		slog.Error("mqtt batch failed", "topic", msg.Topic(), "error", err)
	}
}

// assetFromTopic extracts <asset_id> from assets/<asset_id>/position.
func assetFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "assets" && parts[2] == "position" {
		return parts[1]
	}
	return ""
}

// decodeMQTTPayload accepts a single TrackPoint or an array of them. A point without
// asset_id takes the asset from the topic; a point naming another asset is rejected.
func decodeMQTTPayload(topic string, payload []byte) ([]TrackPoint, error) {
	var points []TrackPoint
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		var tp TrackPoint
		if err := json.Unmarshal(trimmed, &tp); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		points = []TrackPoint{tp}
	}
	if len(points) == 0 {
		return nil, errors.New("empty payload")
	}

	topicAsset := assetFromTopic(topic)
	for i := range points {
		if points[i].AssetID == "" {
			points[i].AssetID = topicAsset
		} else if topicAsset != "" && points[i].AssetID != topicAsset {
			return nil, fmt.Errorf("asset_id %q does not match topic %q", points[i].AssetID, topic)
		}
		if err := points[i].Valid(); err != nil {
			return nil, err
		}
	}
	return points, nil
}
