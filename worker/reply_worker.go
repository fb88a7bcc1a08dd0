package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"cadencer/config"
	"cadencer/models"
	"cadencer/reconciler"
)

// ReplyWorker polls an IMAP mailbox for unseen messages and turns them
// into signal flags: inbound mail from a lead is a reply, a delivery
// report is a bounce. It never touches cadence state itself; the
// reconciler owns that.
type ReplyWorker struct {
	Flags  *reconciler.FlagStore
	IMAP   config.IMAPConfig
	Poll   time.Duration
	Logger *logrus.Logger
}

func NewReplyWorker(flags *reconciler.FlagStore, cfg config.IMAPConfig, poll time.Duration, logger *logrus.Logger) *ReplyWorker {
	return &ReplyWorker{
		Flags:  flags,
		IMAP:   cfg,
		Poll:   poll,
		Logger: logger,
	}
}

// Start blocks until ctx is cancelled, polling the mailbox on the
// configured interval. With no IMAP address configured it returns
// immediately; replies then have to arrive through the webhook.
func (rw *ReplyWorker) Start(ctx context.Context) {
	if rw.IMAP.Address == "" {
		rw.Logger.Info("IMAP not configured, reply watcher disabled")
		return
	}

	rw.Logger.WithField("mailbox", rw.IMAP.Mailbox).Info("📬 Reply watcher started")

	ticker := time.NewTicker(rw.Poll)
	defer ticker.Stop()

	for {
		if err := rw.pollOnce(); err != nil {
			rw.Logger.WithError(err).Warn("Mailbox poll failed")
		}
		select {
		case <-ctx.Done():
			rw.Logger.Info("Reply watcher shutting down...")
			return
		case <-ticker.C:
		}
	}
}

func (rw *ReplyWorker) pollOnce() error {
	host, _, err := net.SplitHostPort(rw.IMAP.Address)
	if err != nil {
		host = rw.IMAP.Address
	}

	imapClient, err := client.DialTLS(rw.IMAP.Address, &tls.Config{
		ServerName: host,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()
	imapClient.Timeout = 30 * time.Second

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := rw.IMAP.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	flagged := new(imap.SeqSet)
	for msg := range messages {
		if err := rw.flagMessage(msg, section); err != nil {
			rw.Logger.WithError(err).Warnf("Failed to process message %d", msg.SeqNum)
			continue
		}
		flagged.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	// Only messages that produced a durable flag get marked seen; the
	// rest come back on the next poll.
	if !flagged.Empty() {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := imapClient.Store(flagged, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("failed to mark messages seen: %w", err)
		}
	}
	return nil
}

func (rw *ReplyWorker) flagMessage(msg *imap.Message, section *imap.BodySectionName) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}
	from := msg.Envelope.From[0]
	fromAddr := from.MailboxName + "@" + from.HostName

	if isBounceReport(from.MailboxName, msg.Envelope.Subject) {
		recipient, err := rw.extractBouncedRecipient(msg, section)
		if err != nil {
			return err
		}
		flag := &models.SignalFlag{
			Reason: models.SignalBounced,
			Lead:   models.SignalLead{Email: recipient},
			Source: "imap-bounce",
		}
		if err := rw.Flags.Write(flag); err != nil {
			return err
		}
		rw.Logger.WithFields(logrus.Fields{
			"email":   recipient,
			"subject": msg.Envelope.Subject,
		}).Info("📨 Bounce signal flagged")
		return nil
	}

	flag := &models.SignalFlag{
		Reason: models.SignalReplied,
		Lead:   models.SignalLead{Email: fromAddr},
		Source: "imap",
	}
	if err := rw.Flags.Write(flag); err != nil {
		return err
	}
	rw.Logger.WithFields(logrus.Fields{
		"email":   fromAddr,
		"subject": msg.Envelope.Subject,
	}).Info("📨 Reply signal flagged")
	return nil
}

// extractBouncedRecipient digs the original recipient out of a delivery
// report. DSNs carry it in a Final-Recipient or X-Failed-Recipients field;
// sloppier MTAs only mention the address somewhere in the body text.
func (rw *ReplyWorker) extractBouncedRecipient(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	literal := msg.GetBody(section)
	if literal == nil {
		return "", fmt.Errorf("bounce report %d has no body", msg.SeqNum)
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", fmt.Errorf("failed to create message reader: %w", err)
	}

	var body strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("failed to read next part: %w", err)
		}
		if _, ok := p.Header.(*mail.InlineHeader); ok {
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("failed to read body: %w", err)
			}
			body.Write(b)
			body.WriteByte('\n')
		}
	}

	if recipient := findBouncedRecipient(body.String()); recipient != "" {
		return recipient, nil
	}
	return "", fmt.Errorf("no recipient found in bounce report %d", msg.SeqNum)
}

var (
	finalRecipientRe = regexp.MustCompile(`(?i)Final-Recipient:\s*rfc822;\s*<?([^\s>;]+@[^\s>;]+)`)
	failedRecipRe    = regexp.MustCompile(`(?i)X-Failed-Recipients:\s*<?([^\s>;]+@[^\s>;]+)`)
	anyAddressRe     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

func findBouncedRecipient(body string) string {
	if m := finalRecipientRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	if m := failedRecipRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return anyAddressRe.FindString(body)
}

func isBounceReport(fromMailbox, subject string) bool {
	mailbox := strings.ToLower(fromMailbox)
	if mailbox == "mailer-daemon" || mailbox == "postmaster" {
		return true
	}
	lower := strings.ToLower(subject)
	for _, hint := range []string{"undeliver", "delivery status", "returned mail", "failure notice", "delivery failed"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
