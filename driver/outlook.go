package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Chandorkar-Technologies/Zero-sub000/config"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/utils"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

var graphScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/User.Read",
}

// GraphFactory builds Microsoft Graph drivers.
type GraphFactory struct {
	cfg *config.Config
	log *logrus.Logger
	cb  *gobreaker.CircuitBreaker
}

func NewGraphFactory(cfg *config.Config, log *logrus.Logger) *GraphFactory {
	settings := gobreaker.Settings{
		Name:        "graph-api",
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

	return &GraphFactory{
		cfg: cfg,
		log: log,
		cb:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (f *GraphFactory) ForConnection(ctx context.Context, conn *models.Connection) (Driver, error) {
	accessToken, err := utils.Decrypt(conn.AccessToken, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderMicrosoft, "for_connection", fmt.Errorf("failed to decrypt access token: %w", err))
	}
	refreshToken, err := utils.Decrypt(conn.RefreshToken, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderMicrosoft, "for_connection", fmt.Errorf("failed to decrypt refresh token: %w", err))
	}

	oauthCfg := &oauth2.Config{
		ClientID:     f.cfg.Microsoft.ClientID,
		ClientSecret: f.cfg.Microsoft.ClientSecret,
		RedirectURL:  f.cfg.Microsoft.RedirectURI,
		Scopes:       graphScopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       conn.TokenExpiry,
	}

	return &GraphDriver{
		client:       oauthCfg.Client(ctx, token),
		cb:           f.cb,
		address:      conn.EmailAddress,
		pushCallback: f.cfg.PushCallback,
		clientState:  f.cfg.WebhookSecret,
		log: f.log.WithFields(logrus.Fields{
			"provider":      models.ProviderMicrosoft,
			"connection_id": conn.ID,
		}),
	}, nil
}

// GraphDriver translates the canonical contract onto the Microsoft Graph
// REST API. Threads map onto Graph conversations.
type GraphDriver struct {
	client       *http.Client
	cb           *gobreaker.CircuitBreaker
	address      string
	pushCallback string
	clientState  string
	log          *logrus.Entry
}

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversationId"`
	InternetMessageID string           `json:"internetMessageId"`
	Subject           string           `json:"subject"`
	BodyPreview       string           `json:"bodyPreview"`
	ReceivedDateTime  time.Time        `json:"receivedDateTime"`
	IsRead            bool             `json:"isRead"`
	Categories        []string         `json:"categories"`
	From              *graphRecipient  `json:"from"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	CcRecipients      []graphRecipient `json:"ccRecipients"`
	BccRecipients     []graphRecipient `json:"bccRecipients"`
	Body              *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphMessagePage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// graphFolder maps a canonical folder onto a Graph well-known folder name.
func graphFolder(folder string) string {
	switch folder {
	case models.LabelSent:
		return "sentitems"
	case models.LabelSpam:
		return "junkemail"
	case models.LabelTrash:
		return "deleteditems"
	case models.LabelArchive:
		return "archive"
	case "draft", "DRAFT":
		return "drafts"
	default:
		return "inbox"
	}
}

func (d *GraphDriver) List(ctx context.Context, folder, query string, maxResults int64, pageToken string) (*ListResult, error) {
	if maxResults <= 0 {
		maxResults = 50
	}

	endpoint := pageToken
	if endpoint == "" {
		v := url.Values{}
		v.Set("$top", fmt.Sprintf("%d", maxResults))
		v.Set("$orderby", "receivedDateTime desc")
		v.Set("$select", "id,conversationId,receivedDateTime")
		if query != "" {
			v.Del("$orderby")
			v.Set("$search", fmt.Sprintf("%q", query))
		}
		endpoint = fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", graphBaseURL, graphFolder(folder), v.Encode())
	}

	var page graphMessagePage
	if err := d.do(ctx, "list", http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(page.Value))
	result := &ListResult{NextPageToken: page.NextLink}
	for _, m := range page.Value {
		if m.ConversationID == "" || seen[m.ConversationID] {
			continue
		}
		seen[m.ConversationID] = true
		result.Threads = append(result.Threads, ThreadStub{
			ID:            m.ConversationID,
			HistoryMarker: m.ReceivedDateTime.UTC().Format(time.RFC3339),
		})
	}
	return result, nil
}

func (d *GraphDriver) Get(ctx context.Context, threadID string) (*ThreadDetail, error) {
	msgs, err := d.conversationMessages(ctx, "get", threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, NewError(KindNotFound, models.ProviderMicrosoft, "get", fmt.Errorf("conversation %s has no messages", threadID))
	}

	detail := &ThreadDetail{}
	labelSet := models.NewLabelSet()
	for _, m := range msgs {
		cm := convertGraphMessage(&m)
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
	detail.TotalReplies = len(detail.Messages) - 1
	detail.Labels = labelSet.Labels
	return detail, nil
}

func (d *GraphDriver) conversationMessages(ctx context.Context, op, conversationID string) ([]graphMessage, error) {
	v := url.Values{}
	v.Set("$filter", fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''")))
	endpoint := fmt.Sprintf("%s/me/messages?%s", graphBaseURL, v.Encode())

	var all []graphMessage
	for endpoint != "" {
		var page graphMessagePage
		if err := d.do(ctx, op, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		endpoint = page.NextLink
	}
	return all, nil
}

func (d *GraphDriver) Create(ctx context.Context, msg *OutgoingMessage) (*SendResult, error) {
	contentType := "Text"
	if msg.HTML {
		contentType = "HTML"
	}

	toRecipients := func(addrs []string) []map[string]interface{} {
		out := make([]map[string]interface{}, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, map[string]interface{}{
				"emailAddress": map[string]string{"address": a},
			})
		}
		return out
	}

	message := map[string]interface{}{
		"subject": msg.Subject,
		"body": map[string]string{
			"contentType": contentType,
			"content":     msg.Body,
		},
		"toRecipients": toRecipients(msg.To),
	}
	if len(msg.Cc) > 0 {
		message["ccRecipients"] = toRecipients(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		message["bccRecipients"] = toRecipients(msg.Bcc)
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]interface{}, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, map[string]interface{}{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         att.Filename,
				"contentType":  att.MimeType,
				"contentBytes": base64.StdEncoding.EncodeToString(att.Data),
			})
		}
		message["attachments"] = attachments
	}

	body := map[string]interface{}{
		"message":         message,
		"saveToSentItems": true,
	}

	// sendMail returns 202 with an empty body; Graph does not hand back the
	// created message id on this path.
	endpoint := graphBaseURL + "/me/sendMail"
	if err := d.do(ctx, "create", http.MethodPost, endpoint, body, nil); err != nil {
		return nil, err
	}
	return &SendResult{ThreadID: msg.ThreadID}, nil
}

func (d *GraphDriver) Delete(ctx context.Context, threadID string) error {
	msgs, err := d.conversationMessages(ctx, "delete", threadID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		endpoint := fmt.Sprintf("%s/me/messages/%s/move", graphBaseURL, m.ID)
		body := map[string]string{"destinationId": "deleteditems"}
		if err := d.do(ctx, "delete", http.MethodPost, endpoint, body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *GraphDriver) MarkAsRead(ctx context.Context, threadIDs []string) error {
	return d.patchRead(ctx, "mark_as_read", threadIDs, true)
}

func (d *GraphDriver) MarkAsUnread(ctx context.Context, threadIDs []string) error {
	return d.patchRead(ctx, "mark_as_unread", threadIDs, false)
}

func (d *GraphDriver) patchRead(ctx context.Context, op string, threadIDs []string, read bool) error {
	for _, threadID := range threadIDs {
		msgs, err := d.conversationMessages(ctx, op, threadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.IsRead == read {
				continue
			}
			endpoint := fmt.Sprintf("%s/me/messages/%s", graphBaseURL, m.ID)
			body := map[string]bool{"isRead": read}
			if err := d.do(ctx, op, http.MethodPatch, endpoint, body, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *GraphDriver) ModifyLabels(ctx context.Context, threadIDs []string, change LabelChange) error {
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
	if len(ops.plainAdd) == 0 && len(ops.plainRemove) == 0 {
		return nil
	}

	// Plain labels map onto Graph categories.
	for _, threadID := range threadIDs {
		msgs, err := d.conversationMessages(ctx, "modify_labels", threadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			categories := models.NewLabelSet(m.Categories...)
			for _, l := range ops.plainAdd {
				categories.Add(l)
			}
			for _, l := range ops.plainRemove {
				categories.Remove(l)
			}
			endpoint := fmt.Sprintf("%s/me/messages/%s", graphBaseURL, m.ID)
			body := map[string]interface{}{"categories": categories.Labels}
			if err := d.do(ctx, "modify_labels", http.MethodPatch, endpoint, body, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *GraphDriver) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := d.do(ctx, "get_user_info", http.MethodGet, graphBaseURL+"/me", nil, &me); err != nil {
		return nil, err
	}
	address := me.Mail
	if address == "" {
		address = me.UserPrincipalName
	}
	return &UserInfo{Address: address, Name: me.DisplayName}, nil
}

func (d *GraphDriver) RevokeToken(ctx context.Context, token string) (bool, error) {
	var resp struct {
		Value bool `json:"value"`
	}
	err := d.do(ctx, "revoke_token", http.MethodPost, graphBaseURL+"/me/revokeSignInSessions", struct{}{}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (d *GraphDriver) GetScope() string {
	return strings.Join(graphScopes, " ")
}

func (d *GraphDriver) Changes(ctx context.Context, cursor string) (*ChangeList, error) {
	if cursor == "" {
		return nil, NewError(KindValidation, models.ProviderMicrosoft, "changes", fmt.Errorf("empty cursor"))
	}

	list := &ChangeList{}
	endpoint := cursor
	for {
		var page graphMessagePage
		if err := d.do(ctx, "changes", http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			m := &page.Value[i]
			if m.Removed != nil {
				list.DeletedIDs = append(list.DeletedIDs, m.ID)
				continue
			}
			list.Messages = append(list.Messages, convertGraphMessage(m))
		}
		if page.DeltaLink != "" {
			list.NextCursor = page.DeltaLink
			return list, nil
		}
		if page.NextLink == "" {
			list.NextCursor = cursor
			return list, nil
		}
		endpoint = page.NextLink
	}
}

// InitialCursor returns a delta link pointing at the current mailbox state,
// used when a connection has no cursor yet.
func (d *GraphDriver) InitialCursor(ctx context.Context) (string, error) {
	endpoint := graphBaseURL + "/me/mailFolders/inbox/messages/delta?$deltatoken=latest"
	var page graphMessagePage
	if err := d.do(ctx, "initial_cursor", http.MethodGet, endpoint, nil, &page); err != nil {
		return "", err
	}
	if page.DeltaLink == "" {
		return "", NewError(KindTransient, models.ProviderMicrosoft, "initial_cursor", fmt.Errorf("delta response missing delta link"))
	}
	return page.DeltaLink, nil
}

func (d *GraphDriver) Subscribe(ctx context.Context) (*SubscriptionInfo, error) {
	body := map[string]interface{}{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    d.pushCallback,
		"resource":           "/me/mailFolders('inbox')/messages",
		"expirationDateTime": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"clientState":        d.clientState,
	}

	var resp struct {
		ID                 string    `json:"id"`
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}
	if err := d.do(ctx, "subscribe", http.MethodPost, graphBaseURL+"/subscriptions", body, &resp); err != nil {
		return nil, err
	}
	return &SubscriptionInfo{ID: resp.ID, ExpiresAt: resp.ExpirationDateTime}, nil
}

func (d *GraphDriver) Unsubscribe(ctx context.Context) error {
	// The driver holds no subscription id, so it removes every subscription
	// registered against our callback. Idempotent by construction.
	var page struct {
		Value []struct {
			ID              string `json:"id"`
			NotificationURL string `json:"notificationUrl"`
		} `json:"value"`
	}
	if err := d.do(ctx, "unsubscribe", http.MethodGet, graphBaseURL+"/subscriptions", nil, &page); err != nil {
		return err
	}
	for _, sub := range page.Value {
		if sub.NotificationURL != d.pushCallback {
			continue
		}
		endpoint := fmt.Sprintf("%s/subscriptions/%s", graphBaseURL, sub.ID)
		if err := d.do(ctx, "unsubscribe", http.MethodDelete, endpoint, nil, nil); err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// do performs one Graph request through the circuit breaker and decodes the
// JSON response into out when out is non-nil.
func (d *GraphDriver) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return NewError(KindValidation, models.ProviderMicrosoft, op, err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return NewError(KindValidation, models.ProviderMicrosoft, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := d.cb.Execute(func() (interface{}, error) {
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 400 {
			statusErr := &graphStatusError{status: resp.StatusCode, body: string(data)}
			switch resp.StatusCode {
			case 429, 500, 502, 503, 504:
				return nil, statusErr
			default:
				return nil, &nonCircuitError{err: statusErr}
			}
		}
		return data, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		err = nce.err
	}
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"op":     op,
			"method": method,
			"state":  d.cb.State().String(),
		}).WithError(err).Warn("Graph API call failed")
		return d.wrap(op, err)
	}

	if out != nil {
		data := result.([]byte)
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return NewError(KindTransient, models.ProviderMicrosoft, op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

type graphStatusError struct {
	status int
	body   string
}

func (e *graphStatusError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.status, e.body)
}

func (d *GraphDriver) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return NewError(KindTransient, models.ProviderMicrosoft, op, err)
	}
	if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
		return NewError(KindAuth, models.ProviderMicrosoft, op, retrieveErr)
	}
	if urlErr, ok := err.(*url.Error); ok {
		if retrieveErr, ok := urlErr.Err.(*oauth2.RetrieveError); ok {
			return NewError(KindAuth, models.ProviderMicrosoft, op, retrieveErr)
		}
	}
	if statusErr, ok := err.(*graphStatusError); ok {
		switch {
		case statusErr.status == 401 || statusErr.status == 403:
			return NewError(KindAuth, models.ProviderMicrosoft, op, err)
		// 410 Gone is the delta resync signal, treated like an expired cursor.
		case statusErr.status == 404 || statusErr.status == 410:
			return NewError(KindNotFound, models.ProviderMicrosoft, op, err)
		case statusErr.status == 400:
			return NewError(KindValidation, models.ProviderMicrosoft, op, err)
		case statusErr.status == 429 || statusErr.status >= 500:
			return NewError(KindTransient, models.ProviderMicrosoft, op, err)
		}
	}
	return NewError(KindTransient, models.ProviderMicrosoft, op, err)
}

func convertGraphMessage(m *graphMessage) CanonicalMessage {
	cm := CanonicalMessage{
		ID:         m.ID,
		ThreadID:   m.ConversationID,
		Subject:    m.Subject,
		Snippet:    m.BodyPreview,
		ReceivedAt: m.ReceivedDateTime,
		IsRead:     m.IsRead,
		Labels:     append([]string(nil), m.Categories...),
	}
	if m.From != nil {
		cm.Sender = m.From.EmailAddress.Address
	}
	for _, r := range m.ToRecipients {
		cm.To = append(cm.To, r.EmailAddress.Address)
	}
	for _, r := range m.CcRecipients {
		cm.Cc = append(cm.Cc, r.EmailAddress.Address)
	}
	for _, r := range m.BccRecipients {
		cm.Bcc = append(cm.Bcc, r.EmailAddress.Address)
	}
	if m.Body != nil {
		cm.Body = m.Body.Content
	}
	return cm
}
