// Package mailbox submits log files received by email to the ingestion
// pipeline. Each unseen message's .log/.txt attachments are uploaded one
// at a time; the message is flagged seen once all of them succeeded.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/metrics"
	"github.com/nhle/incidentwatch/internal/model"
)

// Mailbox is the message source. *IMAPClient satisfies it.
type Mailbox interface {
	FetchUnseen(ctx context.Context, limit int) ([]Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
}

// Submitter starts an upload. *ingest.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, f *ingest.File, onDone func(api.AnalysisResult)) (*ingest.Job, error)
}

// Recorder keeps the upload history. *store.SQLiteStore satisfies it.
type Recorder interface {
	RecordUpload(ctx context.Context, u model.UploadRecord) error
}

// Report summarizes one intake pass.
type Report struct {
	Messages  int
	Submitted int
	Succeeded int
	Failed    int
	Skipped   int
}

// batchSize bounds the messages taken per pass.
const batchSize = 25

// Intake drains a mailbox into the ingestion pipeline.
type Intake struct {
	mailbox  Mailbox
	pipeline Submitter
	recorder Recorder
	logger   logging.Logger
}

// New creates an Intake. recorder and logger may be nil.
func New(mb Mailbox, p Submitter, recorder Recorder, logger logging.Logger) *Intake {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Intake{mailbox: mb, pipeline: p, recorder: recorder, logger: logger}
}

// RunOnce processes the currently unseen messages.
func (in *Intake) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	messages, err := in.mailbox.FetchUnseen(ctx, batchSize)
	if err != nil {
		return report, fmt.Errorf("reading mailbox: %w", err)
	}

	for _, msg := range messages {
		report.Messages++
		allOK := true

		for _, att := range msg.Attachments {
			if !ingest.Accepts(att.Filename) {
				report.Skipped++
				metrics.MailboxAttachments.WithLabelValues("skipped").Inc()
				continue
			}

			ok, err := in.submit(ctx, att)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			var tooLarge *ingest.FileTooLargeError
			switch {
			case errors.As(err, &tooLarge):
				report.Skipped++
				metrics.MailboxAttachments.WithLabelValues("skipped").Inc()
				in.logger.Warn("skipping oversized attachment", "uid", msg.UID, "file", att.Filename, "size", len(att.Data))
			case err != nil:
				return report, err
			case ok:
				report.Submitted++
				report.Succeeded++
				metrics.MailboxAttachments.WithLabelValues("succeeded").Inc()
			default:
				report.Submitted++
				report.Failed++
				allOK = false
				metrics.MailboxAttachments.WithLabelValues("failed").Inc()
			}
		}

		// Failed uploads leave the message unseen for the next pass.
		if !allOK {
			continue
		}
		if err := in.mailbox.MarkSeen(ctx, msg.UID); err != nil {
			in.logger.Warn("marking message seen", "uid", msg.UID, "err", err)
		}
	}

	if report.Messages > 0 {
		in.logger.Info("mailbox intake pass",
			"messages", report.Messages, "succeeded", report.Succeeded,
			"failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

// submit uploads one attachment and waits for its analysis. It reports
// whether the upload succeeded; err is set only for local rejections,
// supersession and cancellation.
func (in *Intake) submit(ctx context.Context, att Attachment) (bool, error) {
	job, err := in.pipeline.Submit(ctx, ingest.FileFromBytes(att.Filename, att.Data), nil)
	if err != nil {
		return false, err
	}

	_, err = job.Wait(ctx)
	snap := job.Snapshot()

	if errors.Is(err, ingest.ErrSuperseded) || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		}
		return false, err
	}

	if in.recorder != nil && snap.State.Terminal() {
		rec := snap.Record(model.UploadSourceMailbox)
		if recErr := in.recorder.RecordUpload(ctx, rec); recErr != nil {
			in.logger.Warn("recording upload", "file", att.Filename, "err", recErr)
		}
	}

	if err != nil {
		in.logger.Warn("mailbox upload failed", "file", att.Filename, "err", err)
		return false, nil
	}
	return true, nil
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (in *Intake) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := in.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsAuthError(err) {
				return err
			}
			in.logger.Error("mailbox intake failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
