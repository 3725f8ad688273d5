package writer

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttRedialDelay    = 5 * time.Second
)

// MQTT publishes each point to a fixed topic at QoS 0, no acknowledgment
// wait. With maxRetries == 0 the client reconnects indefinitely on its own;
// otherwise a lost connection gets a bounded redial budget.
type MQTT struct {
	cfg        config.MQTT
	maxRetries int

	mu     sync.Mutex
	client pahomqtt.Client
	broken bool
}

func NewMQTT(cfg config.MQTT, maxRetries int) *MQTT {
	return &MQTT{cfg: cfg, maxRetries: maxRetries}
}

func (w *MQTT) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.connect()
}

func (w *MQTT) connect() error {
	if w.client != nil && w.client.IsConnected() {
		return nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", w.cfg.Host, w.cfg.Port)).
		SetClientID(w.cfg.ClientID).
		SetUsername(w.cfg.Username).
		SetPassword(w.cfg.Password).
		SetAutoReconnect(w.maxRetries == 0).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(w.onConnectionLost)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return errors.New().WithMessage(ErrConnectFailed, "broker connect timed out").WithData(w.cfg.Host)
	}
	if err := token.Error(); err != nil {
		return errors.New().Wrap(ErrConnectFailed, err)
	}

	w.client = client
	w.broken = false

	return nil
}

func (w *MQTT) onConnectionLost(client pahomqtt.Client, err error) {
	logger.Warn().Err(err).Str("broker", w.cfg.Host).Msg("Broker connection lost")
	if w.maxRetries == 0 {
		// the paho client auto-reconnects
		return
	}

	go w.redial(client)
}

func (w *MQTT) redial(client pahomqtt.Client) {
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		time.Sleep(mqttRedialDelay)

		w.mu.Lock()
		if w.client != client {
			// a newer client took over
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		token := client.Connect()
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() == nil {
			logger.Info().Int("attempt", attempt).Msg("Broker connection restored")
			return
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", w.maxRetries).
			Msg("Broker redial failed")
	}

	logger.Error().
		Str("broker", w.cfg.Host).
		Int("max_attempts", w.maxRetries).
		Msg("Broker redial budget exhausted")
	w.mu.Lock()
	w.broken = true
	w.mu.Unlock()
}

func (w *MQTT) Write(point []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken || w.client == nil || !w.client.IsConnected() {
		w.teardown()
		if err := w.connect(); err != nil {
			logger.Warn().Err(err).Msg("Broker unavailable, dropping point")
			return
		}
	}

	token := w.client.Publish(w.cfg.Topic, 0, false, point)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logger.Warn().Err(err).Str("topic", w.cfg.Topic).Msg("Publish failed")
			w.mu.Lock()
			w.broken = true
			w.mu.Unlock()
		}
	}()
}

func (w *MQTT) teardown() {
	if w.client != nil {
		w.client.Disconnect(250)
		w.client = nil
	}
}

func (w *MQTT) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.teardown()

	return nil
}
