// Package queue carries edit tasks from the API to the worker over Kafka
package queue

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"
)

// InitTopics creates the given topics, treating "already exists" as success. It keeps
// retrying every delay until all topics exist or ctx is done.
func InitTopics(ctx context.Context, brokerAddr string, delay time.Duration, topics ...string) error {
	client := &kafkago.Client{
		Addr:    kafkago.TCP(brokerAddr),
		Timeout: 10 * time.Second,
	}

	req := kafkago.CreateTopicsRequest{
		Topics: make([]kafkago.TopicConfig, 0, len(topics)),
	}
	for _, t := range topics {
		req.Topics = append(req.Topics, kafkago.TopicConfig{
			Topic:             t,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
	}

	for {
		resp, err := client.CreateTopics(ctx, &req)
		if err == nil && topicsReady(resp) {
			zlog.Logger.Info().Strs("topics", topics).Msg("Kafka topics ready")
			return nil
		}
		if err != nil {
			zlog.Logger.Warn().Err(err).Msgf("Failed to run topics creation request, next try in %v", delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func topicsReady(resp *kafkago.CreateTopicsResponse) bool {
	ready := true
	for topic, err := range resp.Errors {
		if err == nil || errors.Is(err, kafkago.TopicAlreadyExists) {
			continue
		}
		zlog.Logger.Warn().Err(err).Str("topic", topic).Msg("Topic creation error")
		ready = false
	}
	return ready
}

// WaitReady blocks until the broker accepts a TCP connection or ctx is done.
func WaitReady(ctx context.Context, brokerAddr string, delay time.Duration) error {
	for {
		conn, err := kafkago.DialContext(ctx, "tcp", brokerAddr)
		if err == nil {
			if errConn := conn.Close(); errConn != nil {
				zlog.Logger.Warn().Err(errConn).Msg("Failed to close connection after probing Kafka")
			}
			zlog.Logger.Info().Str("broker", brokerAddr).Msg("Kafka is ready")
			return nil
		}

		zlog.Logger.Warn().Err(err).Msgf("Kafka not ready, retrying in %v", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
