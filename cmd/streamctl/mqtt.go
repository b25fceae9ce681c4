package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/async"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
)

type eventWriter interface {
	WriteEvent(ctx context.Context, payload []byte, routingKey string) *stream.WriteFuture
}

// mqttCollector forwards MQTT publications to a stream, using the message
// topic as routing key.
type mqttCollector struct {
	opts  *MQTT.ClientOptions
	topic string
	qos   byte
}

func (m *mqttCollector) handler(ctx context.Context, writer eventWriter, wg *sync.WaitGroup) MQTT.MessageHandler {
	return func(client MQTT.Client, msg MQTT.Message) {
		if msg.Retained() {
			return
		}
		stream.L(ctx).Debug("mqtt message collected",
			zap.String("mqtt_topic", msg.Topic()), zap.Int("mqtt_payload_size", len(msg.Payload())))
		future := writer.WriteEvent(ctx, msg.Payload(), msg.Topic())
		async.Run(ctx, wg, func(ctx context.Context) {
			if err := future.Wait(ctx); err != nil {
				stream.L(ctx).Warn("failed to forward mqtt message", zap.String("mqtt_topic", msg.Topic()), zap.Error(err))
			}
		})
	}
}

func (m *mqttCollector) Run(ctx context.Context, writer eventWriter) error {
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	m.opts.OnConnect = func(c MQTT.Client) {
		stream.L(ctx).Info("subscribing to mqtt topic", zap.String("mqtt_topic_pattern", m.topic))
		c.Subscribe(m.topic, m.qos, m.handler(ctx, writer, wg))
	}
	c := MQTT.NewClient(m.opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	<-ctx.Done()
	c.Disconnect(500)
	return nil
}

func newMQTTCollector(broker, username, password, topic string, qos byte) (*mqttCollector, error) {
	opts := MQTT.NewClientOptions().AddBroker(broker)
	opts.Username = username
	opts.Password = password
	brokerURL, err := url.Parse(broker)
	if err != nil {
		return nil, err
	}
	if brokerURL.Scheme == "tls" {
		host, _, _ := net.SplitHostPort(brokerURL.Host)
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		}
	}
	opts.AutoReconnect = true
	return &mqttCollector{opts: opts, topic: topic, qos: qos}, nil
}

func MQTTBridge(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:  "mqtt-bridge",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			ctx = stream.AddFields(ctx, zap.String("stream_name", args[0]), zap.String("mqtt_broker", config.GetString("broker")))
			writer, err := s.manager.CreateWriter(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to create writer", zap.Error(err))
			}
			collector, err := newMQTTCollector(
				config.GetString("broker"),
				config.GetString("username"),
				config.GetString("password"),
				config.GetString("topic"),
				byte(config.GetInt("qos")),
			)
			if err != nil {
				stream.L(ctx).Fatal("invalid mqtt configuration", zap.Error(err))
			}
			go func() {
				sigc := make(chan os.Signal, 1)
				signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
				<-sigc
				stream.L(ctx).Info("mqtt bridge shutdown initiated")
				cancel()
			}()
			if err := collector.Run(ctx, writer); err != nil {
				stream.L(ctx).Fatal("mqtt bridge failed", zap.Error(err))
			}
			if err := writer.Close(); err != nil {
				stream.L(ctx).Error("failed to close writer", zap.Error(err))
			}
			stream.L(ctx).Info("mqtt bridge stopped")
		},
	}
	cmd.Flags().String("scope", "", "Stream scope")
	cmd.Flags().String("broker", "tcp://127.0.0.1:1883", "MQTT broker URL. Use the tls:// scheme to enable TLS.")
	cmd.Flags().String("username", "", "MQTT username")
	cmd.Flags().String("password", "", "MQTT password")
	cmd.Flags().String("topic", "#", "MQTT topic pattern to subscribe to.")
	cmd.Flags().Int("qos", 1, "MQTT subscription QoS.")
	return cmd
}
