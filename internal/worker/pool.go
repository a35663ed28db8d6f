package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mklotz/geoconvert/internal/jobqueue"
)

// RetryableError marks a failure as transient so the delivery is requeued
// for another worker. Conversion failures are never retryable: the job
// record already holds the outcome and a rerun would repeat it.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// workerLoop runs conversions for one kind until shutdown
func (s *Service) workerLoop(ctx context.Context, kind jobqueue.Kind, workerNum int, jobsChan <-chan amqp.Delivery) {
	defer s.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", s.workerID, kind, workerNum)
	s.logger.Info("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("Worker goroutine stopping", slog.String("worker_name", workerName))
			return

		case <-ctx.Done():
			s.logger.Info("Worker goroutine stopping - context canceled", slog.String("worker_name", workerName))
			return

		case delivery, ok := <-jobsChan:
			if !ok {
				s.logger.Info("Worker goroutine stopping - jobs channel closed", slog.String("worker_name", workerName))
				return
			}

			msg, err := parseDispatch(delivery.Body)
			if err != nil {
				// dispatcher already validated; cannot happen
				_ = delivery.Nack(false, false)
				continue
			}

			err = s.processJob(ctx, workerName, msg.JobID)
			s.settle(delivery, workerName, msg.JobID, err)
		}
	}
}

// settle acknowledges the delivery according to the processing outcome
func (s *Service) settle(delivery amqp.Delivery, workerName, jobID string, err error) {
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			s.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	s.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		s.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", jobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeue decides whether a failed delivery goes back on the queue
func shouldRequeue(err error) bool {
	// another worker already took it, or the job record is gone
	if errors.Is(err, jobqueue.ErrJobAlreadyClaimed) || errors.Is(err, jobqueue.ErrJobNotFound) {
		return false
	}

	var retryable *RetryableError
	return errors.As(err, &retryable)
}
