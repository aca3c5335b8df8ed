package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Header names set on published submissions.
const (
	HeaderWizard      = "Livewizard-Wizard"
	HeaderSubmittedAt = "Livewizard-Submitted-At"
)

// SetupStream creates or updates the stream that captures every subject
// under prefix.
func SetupStream(ctx context.Context, js jetstream.JetStream, name, prefix string) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: setup stream %s: %w", name, err)
	}
	return stream, nil
}

// JetStream publishes submissions of one wizard to "<prefix>.<wizard>" for
// backend workers to consume.
type JetStream struct {
	js      jetstream.JetStream
	subject string
	wizard  string
	newID   func() string
	now     func() time.Time
}

// NewJetStream returns a sink publishing the values of wizardID.
func NewJetStream(js jetstream.JetStream, prefix, wizardID string) *JetStream {
	return &JetStream{
		js:      js,
		subject: prefix + "." + wizardID,
		wizard:  wizardID,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Subject returns the subject submissions are published on.
func (j *JetStream) Subject() string {
	return j.subject
}

// Submit publishes values and waits for the stream to acknowledge them.
// When ctx names the submitting wizard instance, the message ID is that
// instance plus a digest of the payload, so a retry of the same values from
// the same wizard within the stream's duplicate window is acknowledged but
// stored once. Other callers get a random ID.
func (j *JetStream) Submit(ctx context.Context, values forms.Values) (*wizard.Receipt, error) {
	body, err := json.Marshal(Payload(values))
	if err != nil {
		return nil, fmt.Errorf("sink: encode payload: %w", err)
	}

	id := j.messageID(ctx, body)
	msg := nats.NewMsg(j.subject)
	msg.Data = body
	msg.Header.Set(HeaderWizard, j.wizard)
	msg.Header.Set(HeaderSubmittedAt, j.now().UTC().Format(time.RFC3339))

	ack, err := j.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id))
	if err != nil {
		return nil, &wizard.SubmissionError{
			Message: "The submission service is unavailable, please try again",
			Status:  503,
			Err:     err,
		}
	}
	return &wizard.Receipt{
		ID: id,
		Data: map[string]any{
			"stream":    ack.Stream,
			"sequence":  ack.Sequence,
			"duplicate": ack.Duplicate,
		},
	}, nil
}

func (j *JetStream) messageID(ctx context.Context, body []byte) string {
	instance := wizard.SubmissionID(ctx)
	if instance == "" {
		return j.newID()
	}
	sum := sha256.Sum256(body)
	return instance + "-" + hex.EncodeToString(sum[:8])
}
