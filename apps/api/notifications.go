package main

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"wastewatch/libs/mailer"
)

const mergeNoticeTimeout = 5 * time.Second

type mergedComplaintRecipient struct {
	ComplaintID string
	Title       string
	Email       string
}

func (a *App) buildMergeNoticeEmail(email string, titles []string, parentID, reason string) mailer.Message {
	subject := "Your complaint was combined with an existing report"
	if len(titles) > 1 {
		subject = fmt.Sprintf("%d of your complaints were combined with an existing report", len(titles))
	}
	trackURL := strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/complaints/" + parentID

	items := make([]string, 0, len(titles))
	for _, title := range titles {
		items = append(items, "<li>"+html.EscapeString(title)+"</li>")
	}
	body := fmt.Sprintf(`
		<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; line-height: 1.6; color: #333;">
			<h2>Thanks for reporting</h2>
			<p>Another citizen already reported the same issue, so we combined these reports:</p>
			<ul>%s</ul>
			<p><strong>Reason:</strong> %s</p>
			<p style="margin: 30px 0;">
				<a href="%s" style="background-color: #2e7d32; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; font-weight: bold; display: inline-block;">
					Follow the combined report
				</a>
			</p>
		</div>
	`, strings.Join(items, ""), html.EscapeString(reason), trackURL)

	text := fmt.Sprintf(
		"Thanks for reporting.\n\nAnother citizen already reported the same issue, so we combined these reports:\n- %s\n\nReason: %s\n\nFollow the combined report: %s",
		strings.Join(titles, "\n- "), reason, trackURL,
	)

	return mailer.Message{
		To:      []string{email},
		Subject: subject,
		HTML:    body,
		Text:    text,
		Tags:    map[string]string{"kind": "merge_notice"},
	}
}

func (a *App) listMergedRecipients(ctx context.Context, childIDs []string) ([]mergedComplaintRecipient, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT c.id::text, c.title, u.email
		FROM complaints c
		JOIN users u ON u.id = c.user_id
		WHERE c.id = ANY($1::text[]::uuid[])
	`, childIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []mergedComplaintRecipient{}
	for rows.Next() {
		var r mergedComplaintRecipient
		if err := rows.Scan(&r.ComplaintID, &r.Title, &r.Email); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// sendMergeNotices emails each reporter once, listing all of their merged
// complaints. Failures are logged and never returned.
func (a *App) sendMergeNotices(ctx context.Context, result MergeResult, reason string) {
	if a.mailer == nil || len(result.ChildIDs) == 0 {
		return
	}
	recipients, err := a.listMergedRecipients(ctx, result.ChildIDs)
	if err != nil {
		a.log.Error("failed to load merge notice recipients", "request_id", result.RequestID, "err", err)
		return
	}

	titlesByEmail := map[string][]string{}
	for _, r := range recipients {
		titlesByEmail[r.Email] = append(titlesByEmail[r.Email], r.Title)
	}
	emails := make([]string, 0, len(titlesByEmail))
	for email := range titlesByEmail {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	for _, email := range emails {
		msg := a.buildMergeNoticeEmail(email, titlesByEmail[email], result.ParentID, reason)
		if _, err := a.mailer.Send(ctx, msg); err != nil {
			a.log.Error("failed to send merge notice", "email", email, "request_id", result.RequestID, "err", err)
			continue
		}
		a.log.Info("sent merge notice", "email", email, "request_id", result.RequestID, "complaints", len(titlesByEmail[email]))
	}
}

func (a *App) notifyMergeResult(ctx context.Context, result MergeResult, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mergeNoticeTimeout)
	defer cancel()
	if a.notifyMerged != nil {
		a.notifyMerged(ctx, result, reason)
		return
	}
	a.sendMergeNotices(ctx, result, reason)
}
