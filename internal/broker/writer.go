package broker

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tripwire/alarmd/internal/alarm"
)

// Publish JSON-serialises evt and publishes it to the alarms exchange with
// an empty routing key, per the broker wire contract. It returns an error
// if no connection is currently established; callers (the Status
// Projection & Broadcaster) are expected to log and continue rather than
// treat this as fatal — the store insert, not the broker publish, is the
// engine's durability guarantee.
func (c *Client) Publish(evt alarm.Event) error {
	c.connMu.RLock()
	ch := c.ch
	c.connMu.RUnlock()
	if ch == nil {
		return fmt.Errorf("broker: not connected")
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return ch.Publish(almExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
