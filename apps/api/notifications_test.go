package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wastewatch/libs/mailer"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []mailer.Message
	fail map[string]bool
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[msg.To[0]] {
		return mailer.SendResult{}, errors.New("mailbox unavailable")
	}
	p.sent = append(p.sent, msg)
	return mailer.SendResult{ProviderMessageID: "msg-" + msg.To[0]}, nil
}

func TestBuildMergeNoticeEmailEscapesUserText(t *testing.T) {
	app := newTestApp(t)
	msg := app.buildMergeNoticeEmail("c@example.com", []string{"Bin <b>full</b>"}, mergeParentID, "same & spot")

	assert.Equal(t, []string{"c@example.com"}, msg.To)
	assert.Equal(t, "Your complaint was combined with an existing report", msg.Subject)
	assert.Contains(t, msg.HTML, "Bin &lt;b&gt;full&lt;/b&gt;")
	assert.Contains(t, msg.HTML, "same &amp; spot")
	assert.Contains(t, msg.HTML, "https://wastewatch.example/complaints/"+mergeParentID)
	assert.Contains(t, msg.Text, "Bin <b>full</b>")
	assert.Equal(t, "merge_notice", msg.Tags["kind"])

	multi := app.buildMergeNoticeEmail("c@example.com", []string{"a", "b"}, mergeParentID, "dup")
	assert.Equal(t, "2 of your complaints were combined with an existing report", multi.Subject)
}

func TestSendMergeNoticesGroupsByReporter(t *testing.T) {
	app, mock := newMockDBApp(t)
	provider := &recordingProvider{fail: map[string]bool{"broken@example.com": true}}
	app.mailer = mailer.New(provider, "noreply@wastewatch.example")

	mock.ExpectQuery(`FROM complaints c JOIN users u ON u.id = c.user_id WHERE c.id = ANY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "email"}).
			AddRow(mergeChild1, "Overflowing bin", "b@example.com").
			AddRow(mergeChild2, "Broken bin", "broken@example.com").
			AddRow(mergeChild3, "Bin again", "b@example.com"))

	result := MergeResult{RequestID: mergeReqID, ParentID: mergeParentID, ChildIDs: []string{mergeChild1, mergeChild2, mergeChild3}}
	app.sendMergeNotices(context.Background(), result, "duplicate")

	require.Len(t, provider.sent, 1)
	msg := provider.sent[0]
	assert.Equal(t, []string{"b@example.com"}, msg.To)
	assert.Equal(t, "noreply@wastewatch.example", msg.From)
	assert.Contains(t, msg.HTML, "Overflowing bin")
	assert.Contains(t, msg.HTML, "Bin again")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendMergeNoticesWithoutMailerIsNoop(t *testing.T) {
	app, mock := newMockDBApp(t)
	app.sendMergeNotices(context.Background(), MergeResult{ChildIDs: []string{mergeChild1}}, "dup")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyMergeResultPrefersHook(t *testing.T) {
	app := newTestApp(t)
	var got MergeResult
	app.notifyMerged = func(ctx context.Context, result MergeResult, reason string) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got = result
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	app.notifyMergeResult(ctx, MergeResult{RequestID: mergeReqID}, "dup")
	assert.Equal(t, mergeReqID, got.RequestID)
}
