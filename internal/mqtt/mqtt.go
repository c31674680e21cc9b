package mqtt

import (
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// Connect dials the broker with auto-reconnect and connect-retry enabled.
// onConnect runs on the initial connection and again after every
// reconnect, so subscriptions placed there survive broker restarts.
func Connect(opts Options, onConnect func(*Client)) (*Client, error) {
	co := mqtt.NewClientOptions()
	url := strings.TrimSpace(opts.BrokerURL)
	if url == "" {
		url = "mqtt://mosquitto:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	co.AddBroker(url)

	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = "zbservice-" + time.Now().Format("150405.000")
	}
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	if strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "tls://") {
		co.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	wrapper := &Client{}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	co.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", url)
		if onConnect != nil {
			onConnect(wrapper)
		}
	}

	c := mqtt.NewClient(co)
	wrapper.client = c
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return wrapper, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
