package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/observability"
)

// Event is one unit of a streamed response.
type Event struct {
	Type      string `json:"type"` // "thinking", "message" or "error"
	Text      string `json:"text,omitempty"`
	Remaining int64  `json:"remaining_credits,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil return means the
// client is gone and the stream should stop.
type EmitFunc func(Event) error

// Stream runs the request sequence like Handle but reports progress
// incrementally: a keepalive "thinking" event at every poll interval, then a
// single terminal "message" or "error" event.
//
// Reservation failures (e.g. ErrInsufficientCredit) are returned before any
// event is emitted so the transport can still send a proper error status.
// Once streaming has started, failures arrive as "error" events and Stream
// returns nil. If the client disconnects mid-stream the wait is abandoned
// and the credit refunded; the job itself keeps running to completion.
func (d *Dispatcher) Stream(ctx context.Context, principalID, input string, emit EmitFunc) error {
	jobID, remaining, err := d.begin(ctx, principalID, input)
	if err != nil {
		return err
	}

	observability.StreamClients.Inc()
	defer observability.StreamClients.Dec()

	ch, cancel, err := d.queue.Subscribe(jobID)
	if err != nil {
		d.abandon(jobID, "subscribe failed")
		return err
	}
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.abandon(jobID, "client disconnected")
			observability.DispatchRequests.WithLabelValues("disconnected").Inc()
			return nil

		case <-ticker.C:
			if err := emit(Event{Type: "thinking"}); err != nil {
				d.abandon(jobID, "client write failed")
				observability.DispatchRequests.WithLabelValues("disconnected").Inc()
				return nil
			}

		case res, ok := <-ch:
			if !ok {
				d.abandon(jobID, "queue closed")
				return domain.ErrQueueClosed
			}
			d.finish(principalID, input, jobID, remaining, res, emit)
			return nil
		}
	}
}

// begin reserves a credit and enqueues the job, undoing the reservation if
// the enqueue fails.
func (d *Dispatcher) begin(ctx context.Context, principalID, input string) (string, int64, error) {
	jobID := uuid.New().String()

	remaining, err := d.ledger.Reserve(ctx, principalID, jobID)
	if err != nil {
		observability.DispatchRequests.WithLabelValues(outcomeLabel(err)).Inc()
		return "", 0, err
	}

	if err := d.queue.SubmitJob(jobID, principalID, input); err != nil {
		if _, rerr := d.ledger.Refund(jobID); rerr != nil {
			d.log.Error("refund failed after enqueue failure",
				zap.String("job_id", jobID), zap.Error(rerr))
		}
		observability.DispatchRequests.WithLabelValues("error").Inc()
		return "", 0, err
	}

	return jobID, remaining, nil
}

// abandon refunds the reservation for a job whose result nobody will consume.
// The guarded resolution means a racing commit elsewhere makes this a no-op.
func (d *Dispatcher) abandon(jobID, why string) {
	restored, err := d.ledger.Refund(jobID)
	if err != nil {
		d.log.Error("refund failed for abandoned stream",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	d.log.Info("stream abandoned, credit refunded",
		zap.String("job_id", jobID),
		zap.String("why", why),
		zap.Int64("balance", restored))
}

// finish reconciles the terminal result and emits the closing event. Emit
// errors here are ignored: the reconciliation already happened and the
// client that vanished a poll interval ago loses nothing further.
func (d *Dispatcher) finish(principalID, input, jobID string, remaining int64, res domain.Result, emit EmitFunc) {
	resp, err := d.reconcile(principalID, input, jobID, remaining, res)
	switch {
	case err == nil:
		observability.DispatchRequests.WithLabelValues("ok").Inc()
		_ = emit(Event{Type: "message", Text: resp.Text, Remaining: resp.Remaining})
	default:
		var adv *AdvisoryError
		if errors.As(err, &adv) {
			observability.DispatchRequests.WithLabelValues("ok_degraded").Inc()
			_ = emit(Event{Type: "message", Text: adv.Resp.Text, Remaining: adv.Resp.Remaining})
			return
		}
		observability.DispatchRequests.WithLabelValues(outcomeLabel(err)).Inc()
		_ = emit(Event{Type: "error", Text: err.Error()})
	}
}
