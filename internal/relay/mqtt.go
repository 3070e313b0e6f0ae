package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bandburg/pkg/logger"
)

// MQTTConfig 描述 MQTT 发布参数。
type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"BROKER"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	QoS         byte   `yaml:"qos" env:"QOS"`
	Retain      bool   `yaml:"retain" env:"RETAIN"`
}

// MQTTPublisher 把事件发布到 <prefix>/<topic>。
type MQTTPublisher struct {
	cli    mqtt.Client
	prefix string
	qos    byte
	retain bool
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher 连接 broker。broker 支持 mqtt/tcp/ssl/tls/ws/wss 地址。
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	server, user, err := brokerServer(cfg.Broker)
	if err != nil {
		return nil, err
	}
	log := logger.Named("relay.mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bandburg-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) { log.Info("MQTT 已连接", slog.String("broker", server)) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Error("MQTT 连接断开", slog.Any("error", err)) }
	if user != nil {
		pw, _ := user.Password()
		opts.SetUsername(user.Username())
		opts.SetPassword(pw)
	}

	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("连接 MQTT 失败: %w", t.Error())
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "bandburg"
	}
	return &MQTTPublisher{cli: cli, prefix: prefix, qos: cfg.QoS, retain: cfg.Retain}, nil
}

func brokerServer(raw string) (string, *url.Userinfo, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil, errors.New("MQTT broker 不能为空")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("无效的 MQTT broker: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, u.User, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, u.User, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, u.User, nil
	default:
		return "", nil, fmt.Errorf("不支持的 MQTT 协议: %q", u.Scheme)
	}
}

// Topic 返回事件主题对应的 MQTT 主题。
func (p *MQTTPublisher) Topic(topic string) string {
	return p.prefix + "/" + topic
}

// Name 实现 Publisher。
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Publish 发布并等待确认，ctx 结束时放弃等待。
func (p *MQTTPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	t := p.cli.Publish(p.Topic(env.Topic), p.qos, p.retain, body)
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 断开连接。
func (p *MQTTPublisher) Close() error {
	p.cli.Disconnect(250)
	return nil
}
