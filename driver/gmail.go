package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Chandorkar-Technologies/Zero-sub000/config"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/utils"
)

var gmailScopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	gmail.GmailModifyScope,
	gmail.GmailLabelsScope,
}

// GmailFactory builds Gmail drivers. The circuit breaker is shared across
// connections so a provider-wide outage trips once, not per account.
type GmailFactory struct {
	cfg *config.Config
	log *logrus.Logger
	cb  *gobreaker.CircuitBreaker
}

func NewGmailFactory(cfg *config.Config, log *logrus.Logger) *GmailFactory {
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &GmailFactory{
		cfg: cfg,
		log: log,
		cb:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (f *GmailFactory) ForConnection(ctx context.Context, conn *models.Connection) (Driver, error) {
	accessToken, err := utils.Decrypt(conn.AccessToken, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderGoogle, "for_connection", fmt.Errorf("failed to decrypt access token: %w", err))
	}
	refreshToken, err := utils.Decrypt(conn.RefreshToken, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderGoogle, "for_connection", fmt.Errorf("failed to decrypt refresh token: %w", err))
	}

	oauthCfg := &oauth2.Config{
		ClientID:     f.cfg.Google.ClientID,
		ClientSecret: f.cfg.Google.ClientSecret,
		RedirectURL:  f.cfg.Google.RedirectURI,
		Scopes:       gmailScopes,
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       conn.TokenExpiry,
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, token)))
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderGoogle, "for_connection", err)
	}

	return &GmailDriver{
		svc:       svc,
		oauthCfg:  oauthCfg,
		cb:        f.cb,
		address:   conn.EmailAddress,
		pushTopic: f.cfg.PushTopic,
		log: f.log.WithFields(logrus.Fields{
			"provider":      models.ProviderGoogle,
			"connection_id": conn.ID,
		}),
	}, nil
}

// GmailDriver translates the canonical contract onto the Gmail REST API.
type GmailDriver struct {
	svc       *gmail.Service
	oauthCfg  *oauth2.Config
	cb        *gobreaker.CircuitBreaker
	address   string
	pushTopic string
	log       *logrus.Entry
}

// listScope maps a canonical folder onto Gmail list parameters. ARCHIVE is
// not a label on Gmail; it is the absence of INBOX, so it becomes a query.
func listScope(folder string) (labelIDs []string, q string) {
	switch folder {
	case models.LabelInbox:
		return []string{"INBOX"}, ""
	case models.LabelSent:
		return []string{"SENT"}, ""
	case models.LabelSpam:
		return []string{"SPAM"}, ""
	case models.LabelTrash:
		return []string{"TRASH"}, ""
	case models.LabelSnoozed:
		return nil, "in:snoozed"
	case models.LabelArchive:
		return nil, "-in:inbox -in:trash -in:spam -in:sent"
	case "draft", "DRAFT":
		return []string{"DRAFT"}, ""
	case "":
		return []string{"INBOX"}, ""
	default:
		return []string{folder}, ""
	}
}

func (d *GmailDriver) List(ctx context.Context, folder, query string, maxResults int64, pageToken string) (*ListResult, error) {
	labelIDs, scopeQuery := listScope(folder)

	if maxResults <= 0 {
		maxResults = 50
	}
	call := d.svc.Users.Threads.List("me").MaxResults(maxResults)
	if len(labelIDs) > 0 {
		call = call.LabelIds(labelIDs...)
	}
	q := strings.TrimSpace(scopeQuery + " " + query)
	if q != "" {
		call = call.Q(q)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListThreadsResponse
	err := d.execute(ctx, "list", func() error {
		var apiErr error
		resp, apiErr = call.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, d.wrap("list", err)
	}

	seen := make(map[string]bool, len(resp.Threads))
	result := &ListResult{NextPageToken: resp.NextPageToken}
	for _, t := range resp.Threads {
		if seen[t.Id] {
			continue
		}
		seen[t.Id] = true
		result.Threads = append(result.Threads, ThreadStub{
			ID:            t.Id,
			HistoryMarker: strconv.FormatUint(t.HistoryId, 10),
		})
	}
	return result, nil
}

func (d *GmailDriver) Get(ctx context.Context, threadID string) (*ThreadDetail, error) {
	var thread *gmail.Thread
	err := d.execute(ctx, "get", func() error {
		var apiErr error
		thread, apiErr = d.svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, d.wrap("get", err)
	}

	detail := &ThreadDetail{}
	labelSet := models.NewLabelSet()
	for _, m := range thread.Messages {
		cm := convertGmailMessage(m)
		if !cm.IsRead {
			detail.HasUnread = true
		}
		for _, l := range cm.Labels {
			labelSet.Add(l)
		}
		detail.Messages = append(detail.Messages, cm)
	}
	sort.SliceStable(detail.Messages, func(i, j int) bool {
		return detail.Messages[i].ReceivedAt.Before(detail.Messages[j].ReceivedAt)
	})
	if n := len(detail.Messages); n > 0 {
		detail.TotalReplies = n - 1
	}
	detail.Labels = labelSet.Labels
	return detail, nil
}

func (d *GmailDriver) Create(ctx context.Context, msg *OutgoingMessage) (*SendResult, error) {
	raw, err := buildRawMessage(d.address, msg)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderGoogle, "create", err)
	}

	gmailMsg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if msg.ThreadID != "" {
		gmailMsg.ThreadId = msg.ThreadID
	}

	var sent *gmail.Message
	err = d.execute(ctx, "create", func() error {
		var apiErr error
		sent, apiErr = d.svc.Users.Messages.Send("me", gmailMsg).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, d.wrap("create", err)
	}
	return &SendResult{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

func (d *GmailDriver) Delete(ctx context.Context, threadID string) error {
	err := d.execute(ctx, "delete", func() error {
		_, apiErr := d.svc.Users.Threads.Trash("me", threadID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return d.wrap("delete", err)
	}
	return nil
}

func (d *GmailDriver) MarkAsRead(ctx context.Context, threadIDs []string) error {
	return d.modifyThreads(ctx, "mark_as_read", threadIDs, nil, []string{"UNREAD"})
}

func (d *GmailDriver) MarkAsUnread(ctx context.Context, threadIDs []string) error {
	return d.modifyThreads(ctx, "mark_as_unread", threadIDs, []string{"UNREAD"}, nil)
}

func (d *GmailDriver) ModifyLabels(ctx context.Context, threadIDs []string, change LabelChange) error {
	ops := splitReserved(change)

	if ops.trash {
		for _, id := range threadIDs {
			if err := d.Delete(ctx, id); err != nil {
				return err
			}
		}
	}
	if ops.markRead {
		if err := d.MarkAsRead(ctx, threadIDs); err != nil {
			return err
		}
	}
	if ops.markUnread {
		if err := d.MarkAsUnread(ctx, threadIDs); err != nil {
			return err
		}
	}

	addIDs, removeIDs := translateLabels(ops.plainAdd, ops.plainRemove)
	if len(addIDs) == 0 && len(removeIDs) == 0 {
		return nil
	}
	return d.modifyThreads(ctx, "modify_labels", threadIDs, addIDs, removeIDs)
}

// translateLabels maps canonical labels onto Gmail label ids. ARCHIVE has no
// id of its own: adding it removes INBOX and removing it restores INBOX.
func translateLabels(add, remove []string) (addIDs, removeIDs []string) {
	for _, l := range add {
		if l == models.LabelArchive {
			removeIDs = append(removeIDs, "INBOX")
			continue
		}
		addIDs = append(addIDs, l)
	}
	for _, l := range remove {
		if l == models.LabelArchive {
			addIDs = append(addIDs, "INBOX")
			continue
		}
		removeIDs = append(removeIDs, l)
	}
	return addIDs, removeIDs
}

func (d *GmailDriver) modifyThreads(ctx context.Context, op string, threadIDs, addIDs, removeIDs []string) error {
	req := &gmail.ModifyThreadRequest{
		AddLabelIds:    addIDs,
		RemoveLabelIds: removeIDs,
	}
	for _, id := range threadIDs {
		threadID := id
		err := d.execute(ctx, op, func() error {
			_, apiErr := d.svc.Users.Threads.Modify("me", threadID, req).Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return d.wrap(op, err)
		}
	}
	return nil
}

func (d *GmailDriver) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	var profile *gmail.Profile
	err := d.execute(ctx, "get_user_info", func() error {
		var apiErr error
		profile, apiErr = d.svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, d.wrap("get_user_info", err)
	}
	return &UserInfo{Address: profile.EmailAddress}, nil
}

func (d *GmailDriver) RevokeToken(ctx context.Context, token string) (bool, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://oauth2.googleapis.com/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return false, NewError(KindValidation, models.ProviderGoogle, "revoke_token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, NewError(KindTransient, models.ProviderGoogle, "revoke_token", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

func (d *GmailDriver) GetScope() string {
	return strings.Join(gmailScopes, " ")
}

func (d *GmailDriver) Changes(ctx context.Context, cursor string) (*ChangeList, error) {
	if cursor == "" {
		return nil, NewError(KindValidation, models.ProviderGoogle, "changes", fmt.Errorf("empty cursor"))
	}
	historyID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderGoogle, "changes", fmt.Errorf("malformed cursor %q: %w", cursor, err))
	}

	seen := make(map[string]bool)
	var changedIDs []string
	var deletedIDs []string
	var latestHistoryID uint64
	pageToken := ""

	for {
		call := d.svc.Users.History.List("me").StartHistoryId(historyID)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		err := d.execute(ctx, "changes", func() error {
			var apiErr error
			resp, apiErr = call.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, d.wrap("changes", err)
		}

		if resp.HistoryId > latestHistoryID {
			latestHistoryID = resp.HistoryId
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if !seen[added.Message.Id] {
					seen[added.Message.Id] = true
					changedIDs = append(changedIDs, added.Message.Id)
				}
			}
			for _, la := range h.LabelsAdded {
				if !seen[la.Message.Id] {
					seen[la.Message.Id] = true
					changedIDs = append(changedIDs, la.Message.Id)
				}
			}
			for _, lr := range h.LabelsRemoved {
				if !seen[lr.Message.Id] {
					seen[lr.Message.Id] = true
					changedIDs = append(changedIDs, lr.Message.Id)
				}
			}
			for _, deleted := range h.MessagesDeleted {
				deletedIDs = append(deletedIDs, deleted.Message.Id)
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	list := &ChangeList{DeletedIDs: deletedIDs}
	if latestHistoryID > 0 {
		list.NextCursor = strconv.FormatUint(latestHistoryID, 10)
	} else {
		list.NextCursor = cursor
	}

	for _, id := range changedIDs {
		messageID := id
		var msg *gmail.Message
		err := d.execute(ctx, "changes", func() error {
			var apiErr error
			msg, apiErr = d.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			// A message can vanish between the history entry and the fetch.
			if IsNotFound(d.wrap("changes", err)) {
				list.DeletedIDs = append(list.DeletedIDs, messageID)
				continue
			}
			return nil, d.wrap("changes", err)
		}
		list.Messages = append(list.Messages, convertGmailMessage(msg))
	}

	return list, nil
}

// InitialCursor returns the mailbox's current history id, used when a
// connection has no cursor yet.
func (d *GmailDriver) InitialCursor(ctx context.Context) (string, error) {
	var profile *gmail.Profile
	err := d.execute(ctx, "initial_cursor", func() error {
		var apiErr error
		profile, apiErr = d.svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", d.wrap("initial_cursor", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (d *GmailDriver) Subscribe(ctx context.Context) (*SubscriptionInfo, error) {
	req := &gmail.WatchRequest{
		TopicName: d.pushTopic,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	err := d.execute(ctx, "subscribe", func() error {
		var apiErr error
		resp, apiErr = d.svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, d.wrap("subscribe", err)
	}

	// Gmail push notifications identify the account by address, so the
	// address is the stable subscription id the ingress resolves against.
	return &SubscriptionInfo{
		ID:        d.address,
		ExpiresAt: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
	}, nil
}

func (d *GmailDriver) Unsubscribe(ctx context.Context) error {
	err := d.execute(ctx, "unsubscribe", func() error {
		return d.svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return d.wrap("unsubscribe", err)
	}
	return nil
}

// execute wraps an API call with the shared circuit breaker. Client errors
// pass through without tripping the breaker; only provider-side failures
// (429 and 5xx) count against it.
func (d *GmailDriver) execute(ctx context.Context, op string, fn func() error) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 429, 500, 502, 503, 504:
					return nil, err
				default:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"op":    op,
			"state": d.cb.State().String(),
		}).WithError(err).Warn("Gmail API call failed")
	}
	return err
}

// nonCircuitError wraps failures that must not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

func (e *nonCircuitError) Unwrap() error { return e.err }

func (d *GmailDriver) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return NewError(KindTransient, models.ProviderGoogle, op, err)
	}
	if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
		return NewError(KindAuth, models.ProviderGoogle, op, retrieveErr)
	}
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return NewError(KindAuth, models.ProviderGoogle, op, err)
		case apiErr.Code == 404:
			return NewError(KindNotFound, models.ProviderGoogle, op, err)
		case apiErr.Code == 400:
			return NewError(KindValidation, models.ProviderGoogle, op, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return NewError(KindTransient, models.ProviderGoogle, op, err)
		}
	}
	return NewError(KindTransient, models.ProviderGoogle, op, err)
}

func convertGmailMessage(m *gmail.Message) CanonicalMessage {
	cm := CanonicalMessage{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		IsRead:   true,
	}

	for _, l := range m.LabelIds {
		switch l {
		case "UNREAD":
			cm.IsRead = false
		case "INBOX", "SENT", "SPAM", "TRASH", "DRAFT":
			cm.Labels = append(cm.Labels, l)
		default:
			if strings.HasPrefix(l, "CATEGORY_") || l == "IMPORTANT" || l == "STARRED" {
				continue
			}
			cm.Labels = append(cm.Labels, l)
		}
	}

	if m.InternalDate > 0 {
		cm.ReceivedAt = time.Unix(0, m.InternalDate*int64(time.Millisecond))
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				cm.Subject = h.Value
			case "From":
				cm.Sender = h.Value
			case "To":
				cm.To = parseAddressList(h.Value)
			case "Cc":
				cm.Cc = parseAddressList(h.Value)
			case "Bcc":
				cm.Bcc = parseAddressList(h.Value)
			case "In-Reply-To":
				cm.InReplyTo = h.Value
			case "References":
				cm.References = h.Value
			case "Date":
				if cm.ReceivedAt.IsZero() {
					if t, err := mail.ParseDate(h.Value); err == nil {
						cm.ReceivedAt = t
					}
				}
			}
		}
		cm.Body = extractGmailBody(m.Payload)
		cm.Attachments = collectGmailAttachments(m.Payload, nil)
	}

	return cm
}

// collectGmailAttachments gathers attachment metadata from the MIME tree.
// Payloads stay on the provider until explicitly fetched.
func collectGmailAttachments(part *gmail.MessagePart, acc []Attachment) []Attachment {
	if part == nil {
		return acc
	}
	if part.Filename != "" {
		att := Attachment{Filename: part.Filename, MimeType: part.MimeType}
		if part.Body != nil {
			att.Size = part.Body.Size
		}
		acc = append(acc, att)
	}
	for _, child := range part.Parts {
		acc = collectGmailAttachments(child, acc)
	}
	return acc
}

func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		// Keep the raw entries; providers emit non-conforming lists.
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// extractGmailBody walks the MIME tree preferring text/plain over text/html.
func extractGmailBody(payload *gmail.MessagePart) string {
	plain, html := walkGmailParts(payload)
	if plain != "" {
		return plain
	}
	return html
}

func walkGmailParts(part *gmail.MessagePart) (plain, html string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			data, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
		}
		if err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain"):
				return string(data), ""
			case strings.HasPrefix(part.MimeType, "text/html"):
				return "", string(data)
			}
		}
	}
	for _, child := range part.Parts {
		p, h := walkGmailParts(child)
		if plain == "" {
			plain = p
		}
		if html == "" {
			html = h
		}
		if plain != "" {
			return plain, html
		}
	}
	return plain, html
}
