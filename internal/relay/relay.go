package relay

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/notifier"
	"github.com/timur-nocodia/n8n-streaming-microservice/internal/store"
	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/llm"
)

// finalizeTimeout bounds the callback, accounting and store cleanup that run
// after the stream has detached from its client.
const finalizeTimeout = 45 * time.Second

// FinishCause records how a stream reached Finalizing.
type FinishCause string

const (
	CauseDone          FinishCause = "done"
	CauseProviderError FinishCause = "provider_error"
	CauseClientGone    FinishCause = "client_disconnect"
)

// Picker selects the provider client for a model name. Selection happens
// once at stream start and is never re-decided mid-stream.
type Picker func(model string) llm.StreamClient

// PickByPrefix dispatches claude* models to the Anthropic-style client and
// everything else to the OpenAI-style client.
func PickByPrefix(anthropicClient, openaiClient llm.StreamClient) Picker {
	return func(model string) llm.StreamClient {
		if strings.HasPrefix(model, "claude") {
			return anthropicClient
		}
		return openaiClient
	}
}

// Sink receives the relayed stream on its way to the downstream client.
// WriteDelta gets the raw delta text; transports own their escaping.
type Sink interface {
	WriteDelta(text string) error
	WriteDone() error
	WriteError(message string) error
}

// Completion summarizes one finalized stream for the accounting ledger.
type Completion struct {
	StreamID     string
	UserID       string
	ChatID       string
	Model        string
	Cause        FinishCause
	InputTokens  *int
	OutputTokens *int
	AnswerChars  int
	Duration     time.Duration
}

// Recorder persists completion accounting. Best-effort, may be nil.
type Recorder interface {
	RecordCompletion(ctx context.Context, c Completion) error
}

// Relay drives one provider stream to one downstream sink and guarantees
// the completion callback and store cleanup fire exactly once however the
// stream ends.
type Relay struct {
	pick     Picker
	notifier *notifier.Notifier
	store    store.SessionStore
	recorder Recorder
	logger   *logrus.Entry
}

// New creates a relay. recorder may be nil when no ledger is configured.
func New(pick Picker, n *notifier.Notifier, sessionStore store.SessionStore, recorder Recorder, logger *logrus.Entry) *Relay {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{
		pick:     pick,
		notifier: n,
		store:    sessionStore,
		recorder: recorder,
		logger:   logger,
	}
}

// Run streams the session's completion into sink. It returns after
// Finalizing has completed. ctx is the downstream client's context: its
// cancellation means the client is gone, stops all further frames and still
// runs Finalizing.
func (r *Relay) Run(ctx context.Context, streamID string, rec store.SessionRecord, sink Sink) {
	logger := r.logger.WithFields(logrus.Fields{
		"streamId": streamID,
		"model":    rec.Model,
	})

	client := r.pick(rec.Model)
	if client == nil {
		logger.Error("no provider configured for model")
		sink.WriteError("no provider configured for model " + rec.Model)
		r.finalize(streamID, rec, "", llm.Usage{}, CauseProviderError, nil, time.Now(), logger)
		return
	}
	counter, _ := client.(llm.TokenCounter)

	started := time.Now()
	var transcript strings.Builder
	var usage llm.Usage
	cause := CauseDone

	// Finalizing runs on every exit path below, including panics in sink
	// writes and client disconnects.
	defer func() {
		r.finalize(streamID, rec, transcript.String(), usage, cause, counter, started, logger)
	}()

	// Providers without in-band usage reporting get a best-effort count of
	// the prompt before the stream starts.
	if counter != nil {
		if n, err := counter.CountTokens(ctx, rec.Model, "user", rec.Prompt); err != nil {
			logger.WithError(err).Warn("input token count unavailable")
		} else {
			usage.InputTokens = llm.IntPtr(n)
		}
	}

	events, err := client.StreamCompletion(ctx, llm.CompletionRequest{
		Model:     rec.Model,
		Prompt:    rec.Prompt,
		MaxTokens: rec.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			// The failure is the disconnect itself; nobody is listening
			// for an error frame.
			cause = CauseClientGone
			logger.Info("client disconnected")
			return
		}
		cause = CauseProviderError
		logger.WithError(err).Error("provider stream failed to start")
		sink.WriteError(err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnected: no further frames, but the callback
			// obligation and store cleanup still stand.
			cause = CauseClientGone
			logger.Info("client disconnected")
			return

		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event; keep what
				// arrived and finish normally.
				sink.WriteDone()
				return
			}

			switch ev.Type {
			case llm.EventDelta:
				transcript.WriteString(ev.Text)
				if err := sink.WriteDelta(ev.Text); err != nil {
					cause = CauseClientGone
					logger.WithError(err).Info("downstream write failed")
					return
				}

			case llm.EventUsage:
				if ev.Usage != nil {
					usage = *ev.Usage
				}

			case llm.EventDone:
				sink.WriteDone()
				return

			case llm.EventError:
				cause = CauseProviderError
				logger.WithField("providerError", ev.Text).Error("provider stream failed")
				sink.WriteError(ev.Text)
				return
			}
		}
	}
}

// finalize posts the completion callback, records accounting and deletes the
// session record. It runs on a background context: the request context is
// typically already cancelled when we get here.
func (r *Relay) finalize(streamID string, rec store.SessionRecord, answer string, usage llm.Usage, cause FinishCause, counter llm.TokenCounter, started time.Time, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	// Best-effort output count for providers without in-band usage.
	if counter != nil && usage.OutputTokens == nil {
		if n, err := counter.CountTokens(ctx, rec.Model, "assistant", answer); err != nil {
			logger.WithError(err).Warn("output token count unavailable")
		} else {
			usage.OutputTokens = llm.IntPtr(n)
		}
	}

	r.notifier.Notify(ctx, rec.ResumeURL, notifier.Callback{
		UserID:       rec.UserID,
		ChatID:       rec.ChatID,
		Prompt:       rec.Prompt,
		Answer:       answer,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})

	if r.recorder != nil {
		err := r.recorder.RecordCompletion(ctx, Completion{
			StreamID:     streamID,
			UserID:       rec.UserID,
			ChatID:       rec.ChatID,
			Model:        rec.Model,
			Cause:        cause,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			AnswerChars:  len(answer),
			Duration:     time.Since(started),
		})
		if err != nil {
			logger.WithError(err).Warn("completion ledger insert failed")
		}
	}

	if err := r.store.DeleteSession(ctx, streamID); err != nil {
		logger.WithError(err).Warn("session delete failed")
	}

	logger.WithFields(logrus.Fields{
		"cause":       cause,
		"answerChars": len(answer),
		"duration":    time.Since(started).String(),
	}).Info("stream finalized")
}
