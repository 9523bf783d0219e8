package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/speech"
)

// DefaultPlaybackGrace is how long past a chunk's audio duration Play
// waits for the device to report it finished.
const DefaultPlaybackGrace = 2 * time.Second

// ErrNotConnected is returned by Play before Start has connected.
var ErrNotConnected = errors.New("mqtt speaker not connected")

// publisher is the slice of the autopaho connection manager the
// speaker publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Speaker is a speech.Player that plays audio on an MQTT-connected
// device. Play calls are serialized by the speech pipeline; the
// speaker itself is safe for concurrent use.
type Speaker struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	grace      time.Duration

	cm      *autopaho.ConnectionManager
	pub     publisher
	limiter *messageRateLimiter

	seq     atomic.Uint64
	mu      sync.Mutex
	waiting map[uint64]chan string
}

// NewSpeaker creates a Speaker but does not connect. Call Start.
func NewSpeaker(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt_speaker")
	return &Speaker{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		grace:      DefaultPlaybackGrace,
		limiter:    newMessageRateLimiter(50, time.Second, logger),
		waiting:    make(map[uint64]chan string),
	}
}

// Start connects to the broker. It waits up to 30 seconds for the
// first connection and then returns; autopaho keeps reconnecting in
// the background until ctx is cancelled.
func (s *Speaker) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.mu.Lock()
	s.cm = cm
	s.pub = cm
	s.mu.Unlock()

	go s.limiter.start(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (s *Speaker) Stop(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil {
		return nil
	}
	s.publish(ctx, s.availabilityTopic(), []byte("offline"), true, nil)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (s *Speaker) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Play publishes one chunk and blocks until the device reports it
// finished, the chunk's duration plus a grace period elapses, or ctx
// is cancelled. On cancellation the device is told to stop.
func (s *Speaker) Play(ctx context.Context, a *llm.Audio) error {
	s.mu.Lock()
	pub := s.pub
	s.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}

	seq := s.seq.Add(1)
	done := make(chan string, 1)
	s.mu.Lock()
	s.waiting[seq] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, seq)
		s.mu.Unlock()
	}()

	dur := speech.Duration(a)
	logger := s.logger.With("seq", seq, "duration", dur)

	s.publish(ctx, s.speakingTopic(), []byte("ON"), true, nil)
	defer s.publish(context.WithoutCancel(ctx), s.speakingTopic(), []byte("OFF"), true, nil)

	wav := speech.WAV(a)
	props := &paho.PublishProperties{
		ContentType: wav.MIMEType,
		User: paho.UserProperties{
			{Key: "seq", Value: strconv.FormatUint(seq, 10)},
			{Key: "duration_ms", Value: strconv.FormatInt(dur.Milliseconds(), 10)},
		},
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:      s.audioTopic(),
		Payload:    wav.Data,
		QoS:        1,
		Properties: props,
	}); err != nil {
		return fmt.Errorf("publish audio: %w", err)
	}
	logger.Debug("audio chunk published")

	timer := time.NewTimer(dur + s.grace)
	defer timer.Stop()

	select {
	case state := <-done:
		if state == stateError {
			return fmt.Errorf("speaker reported playback error for chunk %d", seq)
		}
		return nil
	case <-timer.C:
		logger.Debug("no playback report from speaker, assuming done")
		return nil
	case <-ctx.Done():
		s.publish(context.WithoutCancel(ctx), s.controlTopic(), controlPayload("stop", seq), false, nil)
		logger.Debug("playback stopped")
		return ctx.Err()
	}
}

// --- Topic helpers ---

func (s *Speaker) baseTopic() string {
	prefix := s.cfg.TopicPrefix
	if prefix == "" {
		prefix = "parley"
	}
	return prefix + "/" + s.cfg.DeviceName
}

func (s *Speaker) availabilityTopic() string { return s.baseTopic() + "/availability" }
func (s *Speaker) audioTopic() string        { return s.baseTopic() + "/speaker/audio" }
func (s *Speaker) controlTopic() string      { return s.baseTopic() + "/speaker/control" }
func (s *Speaker) statusTopic() string       { return s.baseTopic() + "/speaker/status" }
func (s *Speaker) speakingTopic() string     { return s.baseTopic() + "/speaking/state" }

func (s *Speaker) discoveryTopic() string {
	prefix := s.cfg.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}
	return prefix + "/binary_sensor/" + s.cfg.DeviceName + "/speaking/config"
}

func (s *Speaker) clientID() string {
	id := s.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "parley-" + s.cfg.DeviceName + "-" + id
}

// --- Connection lifecycle ---

func (s *Speaker) onConnect(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.statusTopic(), QoS: 1}},
	}); err != nil {
		s.logger.Warn("mqtt subscribe failed", "topic", s.statusTopic(), "error", err)
	}

	payload, err := json.Marshal(s.speakingSensor())
	if err != nil {
		s.logger.Error("mqtt marshal discovery payload", "error", err)
	} else {
		s.publish(ctx, s.discoveryTopic(), payload, true, cm)
	}
	s.publish(ctx, s.availabilityTopic(), []byte("online"), true, cm)
	s.publish(ctx, s.speakingTopic(), []byte("OFF"), true, cm)
}

func (s *Speaker) speakingSensor() BinarySensorConfig {
	return BinarySensorConfig{
		Name:              s.device.Name + " Speaking",
		UniqueID:          s.instanceID + "_speaking",
		StateTopic:        s.speakingTopic(),
		AvailabilityTopic: s.availabilityTopic(),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		DeviceClass:       "sound",
		Icon:              "mdi:account-voice",
		Device:            s.device,
	}
}

// publish sends a small control or state message. Failures are
// logged, not returned. A nil pub uses the current connection.
func (s *Speaker) publish(ctx context.Context, topic string, payload []byte, retain bool, pub publisher) {
	if pub == nil {
		s.mu.Lock()
		pub = s.pub
		s.mu.Unlock()
	}
	if pub == nil {
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		s.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func controlPayload(command string, seq uint64) []byte {
	b, _ := json.Marshal(map[string]any{"command": command, "seq": seq})
	return b
}
