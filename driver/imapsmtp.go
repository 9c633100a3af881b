package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/Chandorkar-Technologies/Zero-sub000/config"
	"github.com/Chandorkar-Technologies/Zero-sub000/models"
	"github.com/Chandorkar-Technologies/Zero-sub000/utils"
)

// LocalMailbox serves thread reads for the IMAP adapter. Raw IMAP has no
// thread API, so listings come from the locally synced store and only the
// incremental fetch talks to the server.
type LocalMailbox interface {
	ListThreads(ctx context.Context, connectionID uint, folder, query string, limit int, pageToken string) (*ListResult, error)
	GetThread(ctx context.Context, connectionID uint, threadID string) (*ThreadDetail, error)
	ThreadMessageIDs(ctx context.Context, connectionID uint, threadID string) ([]string, error)
}

// IMAPFactory builds locally-backed IMAP/SMTP drivers.
type IMAPFactory struct {
	cfg     *config.Config
	log     *logrus.Logger
	mailbox LocalMailbox
}

func NewIMAPFactory(cfg *config.Config, log *logrus.Logger, mailbox LocalMailbox) *IMAPFactory {
	return &IMAPFactory{cfg: cfg, log: log, mailbox: mailbox}
}

func (f *IMAPFactory) ForConnection(ctx context.Context, conn *models.Connection) (Driver, error) {
	imapPassword, err := utils.Decrypt(conn.IMAPPassword, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderIMAP, "for_connection", fmt.Errorf("failed to decrypt IMAP password: %w", err))
	}
	smtpPassword, err := utils.Decrypt(conn.SMTPPassword, f.cfg.EncryptionKey)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderIMAP, "for_connection", fmt.Errorf("failed to decrypt SMTP password: %w", err))
	}

	return &IMAPDriver{
		connectionID: conn.ID,
		address:      conn.EmailAddress,
		imapHost:     conn.IMAPHost,
		imapPort:     conn.IMAPPort,
		imapUser:     conn.IMAPUsername,
		imapPassword: imapPassword,
		imapEnc:      conn.IMAPEncryption,
		smtpHost:     conn.SMTPHost,
		smtpPort:     conn.SMTPPort,
		smtpUser:     conn.SMTPUsername,
		smtpPassword: smtpPassword,
		smtpEnc:      conn.SMTPEncryption,
		mailbox:      f.mailbox,
		log: f.log.WithFields(logrus.Fields{
			"provider":      models.ProviderIMAP,
			"connection_id": conn.ID,
		}),
	}, nil
}

// IMAPDriver reads from the local store and writes through IMAP and SMTP.
type IMAPDriver struct {
	connectionID uint
	address      string

	imapHost     string
	imapPort     int
	imapUser     string
	imapPassword string
	imapEnc      string

	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	smtpEnc      string

	mailbox LocalMailbox
	log     *logrus.Entry
}

func (d *IMAPDriver) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", d.imapHost, d.imapPort)
	tlsConfig := &tls.Config{ServerName: d.imapHost}

	var c *client.Client
	var err error
	switch strings.ToUpper(d.imapEnc) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "dial", err)
	}
	c.Timeout = 60 * time.Second

	if err := c.Login(d.imapUser, d.imapPassword); err != nil {
		_ = c.Logout()
		return nil, NewError(KindAuth, models.ProviderIMAP, "dial", err)
	}
	return c, nil
}

func (d *IMAPDriver) List(ctx context.Context, folder, query string, maxResults int64, pageToken string) (*ListResult, error) {
	// No server-side drafts on raw IMAP; an empty listing is the contract.
	if strings.EqualFold(folder, "draft") {
		return &ListResult{}, nil
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	result, err := d.mailbox.ListThreads(ctx, d.connectionID, folder, query, int(maxResults), pageToken)
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "list", err)
	}
	return result, nil
}

func (d *IMAPDriver) Get(ctx context.Context, threadID string) (*ThreadDetail, error) {
	detail, err := d.mailbox.GetThread(ctx, d.connectionID, threadID)
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "get", err)
	}
	if detail == nil || len(detail.Messages) == 0 {
		return nil, NewError(KindNotFound, models.ProviderIMAP, "get", fmt.Errorf("thread %s not found", threadID))
	}
	return detail, nil
}

func (d *IMAPDriver) Create(ctx context.Context, msg *OutgoingMessage) (*SendResult, error) {
	for _, rcpt := range append(append(append([]string{}, msg.To...), msg.Cc...), msg.Bcc...) {
		if err := checkmail.ValidateFormat(rcpt); err != nil {
			return nil, NewError(KindValidation, models.ProviderIMAP, "create", fmt.Errorf("invalid recipient %q: %w", rcpt, err))
		}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), d.smtpHost)

	m := gomail.NewMessage()
	m.SetHeader("From", d.address)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", "<"+TrimMessageID(msg.InReplyTo)+">")
	}
	if msg.References != "" {
		m.SetHeader("References", msg.References)
	}

	if msg.HTML {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}

	for _, att := range msg.Attachments {
		data := att.Data
		m.Attach(att.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {att.MimeType}}),
		)
	}

	dialer := gomail.NewDialer(d.smtpHost, d.smtpPort, d.smtpUser, d.smtpPassword)
	switch strings.ToUpper(d.smtpEnc) {
	case "SSL", "TLS":
		dialer.SSL = true
	default:
		dialer.TLSConfig = &tls.Config{ServerName: d.smtpHost}
	}

	if err := dialer.DialAndSend(m); err != nil {
		if isSMTPAuthError(err) {
			return nil, NewError(KindAuth, models.ProviderIMAP, "create", err)
		}
		return nil, NewError(KindTransient, models.ProviderIMAP, "create", err)
	}

	// The wire header keeps the angle brackets; the stored identity does not.
	id := TrimMessageID(messageID)
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = id
	}
	return &SendResult{ID: id, ThreadID: threadID}, nil
}

func isSMTPAuthError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "535") || strings.Contains(strings.ToLower(s), "authentication")
}

func (d *IMAPDriver) Delete(ctx context.Context, threadID string) error {
	return d.storeThreadFlag(ctx, "delete", threadID, imap.DeletedFlag, true)
}

func (d *IMAPDriver) MarkAsRead(ctx context.Context, threadIDs []string) error {
	for _, id := range threadIDs {
		if err := d.storeThreadFlag(ctx, "mark_as_read", id, imap.SeenFlag, true); err != nil {
			return err
		}
	}
	return nil
}

func (d *IMAPDriver) MarkAsUnread(ctx context.Context, threadIDs []string) error {
	for _, id := range threadIDs {
		if err := d.storeThreadFlag(ctx, "mark_as_unread", id, imap.SeenFlag, false); err != nil {
			return err
		}
	}
	return nil
}

// storeThreadFlag resolves the thread's Message-IDs locally, finds their UIDs
// by header search, and applies the flag server-side.
func (d *IMAPDriver) storeThreadFlag(ctx context.Context, op, threadID, flag string, add bool) error {
	messageIDs, err := d.mailbox.ThreadMessageIDs(ctx, d.connectionID, threadID)
	if err != nil {
		return NewError(KindTransient, models.ProviderIMAP, op, err)
	}
	if len(messageIDs) == 0 {
		return NewError(KindNotFound, models.ProviderIMAP, op, fmt.Errorf("thread %s not found", threadID))
	}

	c, err := d.dial()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", false); err != nil {
		return NewError(KindTransient, models.ProviderIMAP, op, err)
	}

	seqset := new(imap.SeqSet)
	found := false
	for _, mid := range messageIDs {
		criteria := imap.NewSearchCriteria()
		criteria.Header.Set("Message-Id", mid)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return NewError(KindTransient, models.ProviderIMAP, op, err)
		}
		if len(uids) > 0 {
			seqset.AddNum(uids...)
			found = true
		}
	}
	if !found {
		return nil
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if !add {
		item = imap.FormatFlagsOp(imap.RemoveFlags, true)
	}
	if err := c.UidStore(seqset, item, []interface{}{flag}, nil); err != nil {
		return NewError(KindTransient, models.ProviderIMAP, op, err)
	}
	if flag == imap.DeletedFlag && add {
		if err := c.Expunge(nil); err != nil {
			return NewError(KindTransient, models.ProviderIMAP, op, err)
		}
	}
	return nil
}

func (d *IMAPDriver) ModifyLabels(ctx context.Context, threadIDs []string, change LabelChange) error {
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
	// Plain labels have no server-side representation on raw IMAP; the local
	// store is authoritative for them and the caller updates it directly.
	return nil
}

func (d *IMAPDriver) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	return &UserInfo{Address: d.address}, nil
}

func (d *IMAPDriver) RevokeToken(ctx context.Context, token string) (bool, error) {
	return false, NewError(KindUnsupported, models.ProviderIMAP, "revoke_token", fmt.Errorf("password credentials cannot be revoked remotely"))
}

func (d *IMAPDriver) GetScope() string { return "" }

// Changes fetches messages with UID greater than the cursor. The cursor is
// "uidvalidity:lastuid"; a UIDVALIDITY change invalidates every stored UID,
// reported as NotFound so the caller refetches from scratch.
func (d *IMAPDriver) Changes(ctx context.Context, cursor string) (*ChangeList, error) {
	if cursor == "" {
		return nil, NewError(KindValidation, models.ProviderIMAP, "changes", fmt.Errorf("empty cursor"))
	}
	uidValidity, lastUID, err := parseIMAPCursor(cursor)
	if err != nil {
		return nil, NewError(KindValidation, models.ProviderIMAP, "changes", err)
	}

	c, err := d.dial()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "changes", err)
	}
	if mbox.UidValidity != uidValidity {
		return nil, NewError(KindNotFound, models.ProviderIMAP, "changes", fmt.Errorf("uidvalidity changed from %d to %d", uidValidity, mbox.UidValidity))
	}

	list := &ChangeList{NextCursor: cursor}

	searchSet := new(imap.SeqSet)
	searchSet.AddRange(lastUID+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = searchSet
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "changes", err)
	}

	maxUID := lastUID
	var fetchable []uint32
	for _, uid := range uids {
		// Some servers return the highest existing UID for an open range
		// even when nothing is newer.
		if uid > lastUID {
			fetchable = append(fetchable, uid)
			if uid > maxUID {
				maxUID = uid
			}
		}
	}
	if len(fetchable) == 0 {
		return list, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(fetchable...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	for msg := range messages {
		cm, err := d.convertIMAPMessage(msg, section)
		if err != nil {
			d.log.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse fetched message")
			continue
		}
		list.Messages = append(list.Messages, cm)
	}
	if err := <-done; err != nil {
		return nil, NewError(KindTransient, models.ProviderIMAP, "changes", err)
	}

	list.NextCursor = formatIMAPCursor(mbox.UidValidity, maxUID)
	return list, nil
}

// InitialCursor anchors at UID zero under the current UIDVALIDITY, so the
// next Changes call pulls the whole mailbox.
func (d *IMAPDriver) InitialCursor(ctx context.Context) (string, error) {
	c, err := d.dial()
	if err != nil {
		return "", err
	}
	defer c.Logout()

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return "", NewError(KindTransient, models.ProviderIMAP, "initial_cursor", err)
	}
	return formatIMAPCursor(mbox.UidValidity, 0), nil
}

func parseIMAPCursor(cursor string) (uidValidity uint32, lastUID uint32, err error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return uint32(validity), uint32(uid), nil
}

func formatIMAPCursor(uidValidity, lastUID uint32) string {
	return fmt.Sprintf("%d:%d", uidValidity, lastUID)
}

func (d *IMAPDriver) convertIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (CanonicalMessage, error) {
	cm := CanonicalMessage{
		Labels: []string{models.LabelInbox},
		IsRead: false,
	}
	for _, f := range msg.Flags {
		if f == imap.SeenFlag {
			cm.IsRead = true
		}
	}

	env := msg.Envelope
	if env == nil {
		return cm, fmt.Errorf("message %d has no envelope", msg.Uid)
	}
	cm.ID = TrimMessageID(env.MessageId)
	if cm.ID == "" {
		cm.ID = fmt.Sprintf("uid-%d", msg.Uid)
	}
	cm.Subject = env.Subject
	cm.ReceivedAt = env.Date
	cm.InReplyTo = TrimMessageID(env.InReplyTo)
	if len(env.From) > 0 {
		cm.Sender = imapAddress(env.From[0])
	}
	for _, a := range env.To {
		cm.To = append(cm.To, imapAddress(a))
	}
	for _, a := range env.Cc {
		cm.Cc = append(cm.Cc, imapAddress(a))
	}
	for _, a := range env.Bcc {
		cm.Bcc = append(cm.Bcc, imapAddress(a))
	}

	// Conversation identity: the reply target when present, otherwise this
	// message roots a new thread. The store collapses chains on ingest.
	if cm.InReplyTo != "" {
		cm.ThreadID = cm.InReplyTo
	} else {
		cm.ThreadID = cm.ID
	}

	if msg.Body != nil {
		if literal, ok := msg.Body[section]; ok && literal != nil {
			body, references, atts, err := parseIMAPBody(literal)
			if err != nil {
				return cm, err
			}
			cm.Body = body
			cm.References = references
			cm.Attachments = atts
			cm.Snippet = Snippet(body)
		}
	}
	return cm, nil
}

func parseIMAPBody(literal imap.Literal) (body, references string, atts []Attachment, err error) {
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	references = mr.Header.Get("References")

	var bodyText, bodyHTML string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", "", nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", "", nil, fmt.Errorf("failed to read body: %w", err)
			}
			if strings.Contains(contentType, "text/html") && bodyHTML == "" {
				bodyHTML = string(b)
			} else if strings.Contains(contentType, "text/plain") && bodyText == "" {
				bodyText = string(b)
			}
		case *mail.AttachmentHeader:
			// Payloads are fetched on demand, not during sync; record the
			// metadata only.
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, p.Body)
			atts = append(atts, Attachment{
				Filename: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}

	if bodyText != "" {
		return bodyText, references, atts, nil
	}
	return bodyHTML, references, atts, nil
}

func imapAddress(a *imap.Address) string {
	return fmt.Sprintf("%s@%s", a.MailboxName, a.HostName)
}

func (d *IMAPDriver) Subscribe(ctx context.Context) (*SubscriptionInfo, error) {
	return nil, NewError(KindUnsupported, models.ProviderIMAP, "subscribe", fmt.Errorf("raw IMAP has no push notifications"))
}

func (d *IMAPDriver) Unsubscribe(ctx context.Context) error {
	return NewError(KindUnsupported, models.ProviderIMAP, "unsubscribe", fmt.Errorf("raw IMAP has no push notifications"))
}
