package broker

import (
	"context"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// receiveLoop multiplexes the measurement and ack delivery channels per the
// Ingress Router contract: decode, route, fan out/forward, then
// positively acknowledge the broker delivery. Ordering between the two
// streams is not guaranteed.
func (c *Client) receiveLoop(ctx context.Context, meas, acks <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-closed:
			if !ok || err == nil {
				return nil
			}
			return err
		case d, ok := <-meas:
			if !ok {
				return errConnectionClosed
			}
			c.handleMeasurement(d)
		case d, ok := <-acks:
			if !ok {
				return errConnectionClosed
			}
			c.handleAck(ctx, d)
		}
	}
}

func (c *Client) handleMeasurement(d amqp.Delivery) {
	v, err := strconv.ParseInt(string(d.Body), 10, 64)
	if err != nil {
		c.log.Warn("broker: dropping measurement with invalid payload", slog.String("routing_key", d.RoutingKey), slog.Any("error", err))
		if c.m != nil {
			c.m.ParseFailures.Add(1)
		}
		_ = d.Ack(false)
		return
	}
	if c.m != nil {
		c.m.MeasurementsConsumed.Add(1)
	}

	c.mu.Lock()
	chans := c.subs[d.RoutingKey]
	c.mu.Unlock()
	if len(chans) == 0 {
		c.log.Warn("broker: measurement for unregistered path", slog.String("routing_key", d.RoutingKey))
		_ = d.Ack(false)
		return
	}

	for _, ch := range chans {
		sendLossyOldest(ch, v)
	}

	_ = d.Ack(false)
}

// sendLossyOldest delivers v to ch, dropping the oldest pending value to
// make room rather than blocking ingress when ch is full.
func sendLossyOldest(ch chan int64, v int64) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (c *Client) handleAck(ctx context.Context, d amqp.Delivery) {
	name := string(d.Body)
	select {
	case c.acks <- name:
	case <-ctx.Done():
	}
	_ = d.Ack(false)
}
