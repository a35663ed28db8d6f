package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// startKind opens a consumer for one conversion kind and spawns its worker
// pool. Prefetch equals the pool size so the broker never hands this worker
// more jobs than it can run.
func (s *Service) startKind(ctx context.Context, kind jobqueue.Kind) error {
	concurrency := s.concurrencyFor(kind)
	consumerTag := fmt.Sprintf("%s-%s", s.workerID, kind)

	deliveries, _, err := s.rabbitClient.Consume(kind.QueueName(), consumerTag, concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", kind.QueueName(), err)
	}

	s.logger.Info("Consumer started",
		slog.String("kind", string(kind)),
		slog.String("queue", kind.QueueName()),
		slog.String("consumer_tag", consumerTag),
		slog.Int("concurrency", concurrency),
	)

	jobsChan := make(chan amqp.Delivery)

	s.wg.Add(1)
	go s.dispatchLoop(ctx, kind, deliveries, jobsChan)

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, kind, i, jobsChan)
	}

	return nil
}

// dispatchLoop validates deliveries and hands them to the kind's worker pool
func (s *Service) dispatchLoop(ctx context.Context, kind jobqueue.Kind, deliveries <-chan amqp.Delivery, jobsChan chan<- amqp.Delivery) {
	defer s.wg.Done()
	defer close(jobsChan)

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("Dispatcher stopping", slog.String("kind", string(kind)))
			return

		case <-ctx.Done():
			s.logger.Info("Dispatcher stopping - context canceled", slog.String("kind", string(kind)))
			return

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("Delivery channel closed", slog.String("kind", string(kind)))
				return
			}

			if _, err := parseDispatch(delivery.Body); err != nil {
				s.logger.Error("Discarding malformed dispatch message",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK malformed message", slog.String("error", nackErr.Error()))
				}
				continue
			}

			select {
			case jobsChan <- delivery:
			case <-s.stopChan:
				// requeue so another worker picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown", slog.String("error", nackErr.Error()))
				}
				return
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown", slog.String("error", nackErr.Error()))
				}
				return
			}
		}
	}
}

// parseDispatch decodes and validates a dispatch message body
func parseDispatch(body []byte) (*jobqueue.DispatchMessage, error) {
	var msg jobqueue.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("job_id %q is not a UUID: %w", msg.JobID, err)
	}

	return &msg, nil
}
