package rabbitmq

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"dvr-uploader/config"
	"dvr-uploader/dto"
)

const (
	defaultExchange = "dvr_uploads"
	routingKey      = "dvr.upload.completed"
)

// Publisher mirrors upload notifications onto a fanout exchange for internal
// consumers. Delivery is best-effort, same as the webhook.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	exchange := cfg.ExchangeName
	if exchange == "" {
		exchange = defaultExchange
	}
	kind := cfg.Kind
	if kind == "" {
		kind = "fanout"
	}

	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}

	return &Publisher{ch: ch, exchange: exchange}, nil
}

func (p *Publisher) PublishUpload(ctx context.Context, notification dto.UploadNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", p.exchange).Msg("failed to publish upload event")
		return err
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
