// Command alarmsend is a manual test utility that publishes one measurement
// or one ack directly onto the broker exchanges alarmd consumes from. It
// exists for exercising a running alarmd instance by hand, the same role
// the upstream project's own examples/test_sender played.
package main

import (
	"flag"
	"fmt"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "alarmsend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	host := flag.String("host", "127.0.0.1", "broker host")
	port := flag.Int("port", 5672, "broker port")
	username := flag.String("username", "guest", "broker username")
	password := flag.String("password", "guest", "broker password")
	meas := flag.String("meas", "", "measurement routing key to publish to (mutually exclusive with -ack)")
	value := flag.Int64("value", 0, "measurement value to publish")
	ack := flag.String("ack", "", "alarm name to publish an ack for (mutually exclusive with -meas)")
	flag.Parse()

	if (*meas == "") == (*ack == "") {
		return fmt.Errorf("exactly one of -meas or -ack is required")
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", *username, *password, *host, *port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if *meas != "" {
		return publishMeasurement(ch, *meas, *value)
	}
	return publishAck(ch, *ack)
}

func publishMeasurement(ch *amqp.Channel, routingKey string, value int64) error {
	const exchange = "meas_exchange"
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare meas exchange: %w", err)
	}
	body := fmt.Sprintf("%d", value)
	if err := ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         []byte(body),
	}); err != nil {
		return fmt.Errorf("publish measurement: %w", err)
	}
	fmt.Printf("sent %s = %s\n", routingKey, body)
	return nil
}

func publishAck(ch *amqp.Channel, name string) error {
	const exchange = "ack_exchange"
	const routingKey = "ack"
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare ack exchange: %w", err)
	}
	if err := ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         []byte(name),
	}); err != nil {
		return fmt.Errorf("publish ack: %w", err)
	}
	fmt.Printf("sent ack for %s\n", name)
	return nil
}
