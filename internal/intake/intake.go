package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/logging"
	"github.com/dante-gpu/dante-mesh/internal/metrics"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/dante-gpu/dante-mesh/internal/retryer"
	"github.com/dante-gpu/dante-mesh/internal/transport"
	"go.uber.org/zap"
)

// Admitter takes ownership of an accepted task.
type Admitter interface {
	Submit(task *models.Task) error
}

// Intake drains the task topic, validates and dedups messages and hands the
// survivors to the executor.
type Intake struct {
	cfg       config.IntakeConfig
	topic     string
	transport transport.Transport
	admitter  Admitter
	seen      *SeenSet
	metrics   *metrics.Metrics
	logger    *zap.Logger
	retry     retryer.Config

	stream <-chan []byte
	now    func() time.Time
}

// New creates the intake for topic.
func New(cfg config.IntakeConfig, topic string, tr transport.Transport, admitter Admitter, m *metrics.Metrics, logger *zap.Logger) (*Intake, error) {
	seen, err := NewSeenSet(cfg.DedupWindow)
	if err != nil {
		return nil, err
	}
	retryCfg := retryer.DefaultConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialDelay = 250 * time.Millisecond
	retryCfg.MaxDelay = 5 * time.Second

	return &Intake{
		cfg:       cfg,
		topic:     topic,
		transport: tr,
		admitter:  admitter,
		seen:      seen,
		metrics:   m,
		logger:    logger.Named("intake").With(zap.String("topic", topic)),
		retry:     retryCfg,
		now:       time.Now,
	}, nil
}

// SeenCount returns how many task ids are currently remembered.
func (in *Intake) SeenCount() int {
	return in.seen.Len()
}

const (
	fieldTaskID      = "task_id"
	fieldInstruction = "instruction"
)

// wireTask mirrors models.TaskMessage with pointers so missing fields and
// explicit nulls can be told apart from empty strings.
type wireTask struct {
	TaskID      *string `json:"task_id"`
	Instruction *string `json:"instruction"`
}

// Parse validates one payload. It requires a single JSON object holding
// exactly a non-empty task_id and a non-empty instruction string.
func (in *Intake) Parse(payload []byte) (models.TaskMessage, error) {
	malformed := func(msg string, err error) error {
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return apperrors.NewTaskError("Parse", "", msg, apperrors.ErrMalformedTask)
	}

	if in.cfg.MaxPayloadBytes > 0 && len(payload) > in.cfg.MaxPayloadBytes {
		return models.TaskMessage{}, malformed(fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), in.cfg.MaxPayloadBytes), nil)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.TaskMessage{}, malformed("payload is not a JSON object", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var wire wireTask
	if err := dec.Decode(&wire); err != nil {
		return models.TaskMessage{}, malformed("invalid task JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.TaskMessage{}, malformed("trailing data after task object", nil)
	}
	if err := checkFieldNames(trimmed); err != nil {
		return models.TaskMessage{}, malformed("invalid task fields", err)
	}

	if wire.TaskID == nil || strings.TrimSpace(*wire.TaskID) == "" {
		return models.TaskMessage{}, malformed("task_id is required", nil)
	}
	if wire.Instruction == nil || strings.TrimSpace(*wire.Instruction) == "" {
		return models.TaskMessage{}, malformed("instruction is required", nil)
	}
	if in.cfg.MaxTaskIDLength > 0 && len(*wire.TaskID) > in.cfg.MaxTaskIDLength {
		return models.TaskMessage{}, malformed(fmt.Sprintf("task_id longer than %d bytes", in.cfg.MaxTaskIDLength), nil)
	}

	return models.TaskMessage{TaskID: *wire.TaskID, Instruction: *wire.Instruction}, nil
}

// checkFieldNames walks the top-level keys of an already decoded object.
// encoding/json keeps the last of repeated keys and folds case when matching
// fields, so both are rejected here.
func checkFieldNames(obj []byte) error {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if _, err := dec.Token(); err != nil {
		return err
	}
	seen := make(map[string]bool, 2)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		if key != fieldTaskID && key != fieldInstruction {
			return fmt.Errorf("unexpected field %q", key)
		}
		if seen[key] {
			return fmt.Errorf("field %q repeated", key)
		}
		seen[key] = true

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
	}
	return nil
}

// Handle runs one payload through parse, dedup and admission. The returned
// error says why the payload was not admitted; it is informational only.
func (in *Intake) Handle(payload []byte) error {
	msg, err := in.Parse(payload)
	if err != nil {
		in.metrics.IntakeMessage(metrics.OutcomeMalformed)
		in.logger.Warn("Dropping malformed task message",
			zap.Error(err),
			zap.Int("data_length", len(payload)),
			zap.ByteString("raw_snippet", snippet(payload, 120)))
		return err
	}

	if in.seen.Add(msg.TaskID) {
		in.metrics.IntakeMessage(metrics.OutcomeDuplicate)
		in.logger.Debug("Dropping duplicate task", zap.String("task_id", msg.TaskID))
		return apperrors.NewTaskError("Dedup", msg.TaskID, "already accepted", apperrors.ErrDuplicateTask)
	}

	task := models.NewTask(msg, in.now())
	logger := in.logger.With(logging.TaskFields(task.ID, task.InternalID)...)

	if err := in.admitter.Submit(task); err != nil {
		in.metrics.IntakeMessage(metrics.OutcomeRejected)
		switch {
		case apperrors.IsQueueFull(err):
			logger.Warn("Task rejected, admission queue full")
		case errors.Is(err, apperrors.ErrAgentStopped):
			logger.Debug("Task arrived after shutdown began")
		default:
			logger.Error("Failed to admit task", zap.Error(err))
		}
		return err
	}

	in.metrics.IntakeMessage(metrics.OutcomeAccepted)
	logger.Info("Task accepted")
	return nil
}

// Open subscribes to the task topic, retrying transient failures. Failure
// here means the agent cannot do its job and is reported to the caller.
func (in *Intake) Open(ctx context.Context) error {
	var stream <-chan []byte
	err := retryer.WithRetry(ctx, in.logger, in.retry, "subscribe to task topic", func() error {
		s, err := in.transport.Subscribe(ctx, in.topic)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return err
	}
	in.stream = stream
	return nil
}

// Run drains the subscription until ctx is done. A lost subscription is
// re-established with backoff; Run never gives up while ctx is live.
func (in *Intake) Run(ctx context.Context) {
	if in.stream == nil {
		if err := in.Open(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
	in.logger.Info("Task intake started")
	defer in.logger.Info("Task intake stopped")

	delay := in.retry.InitialDelay
	for {
		if in.stream != nil {
			in.drain(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		in.logger.Warn("Task subscription lost, resubscribing", zap.Duration("retry_delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		stream, err := in.transport.Subscribe(ctx, in.topic)
		if err != nil {
			in.logger.Warn("Resubscribe failed", zap.Error(err))
			in.stream = nil
			delay = in.retry.NextDelay(delay)
			continue
		}
		in.stream = stream
		delay = in.retry.InitialDelay
	}
}

func (in *Intake) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in.stream:
			if !ok {
				in.stream = nil
				return
			}
			_ = in.Handle(payload)
		}
	}
}

func snippet(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
