package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel used by RabbitMQSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQConfig 描述事件发布所需的 RabbitMQ 参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// RabbitMQSink 将运行事件以 JSON 形式发布到 topic exchange，
// routing key 为 <prefix>.<kind>。
type RabbitMQSink struct {
	pub      Publisher
	exchange string
	prefix   string
	closers  []func() error
}

// NewRabbitMQSink 连接 RabbitMQ 并声明 exchange。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "openmcp.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	sink := NewRabbitMQSinkWithPublisher(ch, exchange, cfg.RoutingKey)
	sink.closers = []func() error{ch.Close, conn.Close}
	return sink, nil
}

// NewRabbitMQSinkWithPublisher 使用已有的 channel 创建 sink。
func NewRabbitMQSinkWithPublisher(pub Publisher, exchange, prefix string) *RabbitMQSink {
	if prefix == "" {
		prefix = "run"
	}
	return &RabbitMQSink{pub: pub, exchange: exchange, prefix: prefix}
}

// Send 实现 Sink 接口。
func (s *RabbitMQSink) Send(ctx context.Context, e Event) error {
	if s == nil || s.pub == nil {
		return errors.New("RabbitMQ 事件通道未初始化")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.pub.PublishWithContext(ctx, s.exchange, s.prefix+"."+string(e.Kind), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: e.RunID,
		Timestamp:     ts,
		Type:          string(e.Kind),
		Body:          body,
	})
}

// Close 关闭底层连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
