package mailer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	sent []Message
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(_ context.Context, msg Message) (SendResult, error) {
	p.sent = append(p.sent, msg)
	return SendResult{ProviderMessageID: "rec-1"}, nil
}

func TestLogProviderSend(t *testing.T) {
	provider := NewLogProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))

	result, err := provider.Send(context.Background(), Message{
		From:    "test@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "Test Subject",
		Text:    "Test text",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.ProviderMessageID, "log-"), "got %q", result.ProviderMessageID)
	assert.Equal(t, "log", provider.Name())
}

func TestMailerSendUsesDefaultFrom(t *testing.T) {
	provider := &recordingProvider{}
	m := New(provider, "default@test.com")

	_, err := m.Send(context.Background(), Message{To: []string{" a@example.com ", ""}, Subject: "Hi"})
	require.NoError(t, err)
	require.Len(t, provider.sent, 1)
	assert.Equal(t, "default@test.com", provider.sent[0].From)
	assert.Equal(t, []string{"a@example.com"}, provider.sent[0].To)
}

func TestMailerSendKeepsExplicitFrom(t *testing.T) {
	provider := &recordingProvider{}
	m := New(provider, "default@test.com")

	_, err := m.Send(context.Background(), Message{From: "other@test.com", To: []string{"a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "other@test.com", provider.sent[0].From)
}

func TestMailerSendRejectsEmptyRecipients(t *testing.T) {
	provider := &recordingProvider{}
	m := New(provider, "default@test.com")

	_, err := m.Send(context.Background(), Message{To: []string{"  "}})
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.Empty(t, provider.sent)
}

func TestMailerProviderName(t *testing.T) {
	m := New(NewLogProvider(slog.New(slog.NewTextHandler(io.Discard, nil))), "default@test.com")
	assert.Equal(t, "log", m.ProviderName())
	assert.Equal(t, "resend", NewResendProvider("fake-api-key").Name())
}

func TestResendTagsSortedByName(t *testing.T) {
	tags := resendTags(map[string]string{"kind": "merge", "app": "wastewatch"})
	require.Len(t, tags, 2)
	assert.Equal(t, "app", tags[0].Name)
	assert.Equal(t, "kind", tags[1].Name)
	assert.Nil(t, resendTags(nil))
}
