package dispatcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// EmailTemplate is the subject and plain-text body for one action type.
// Copywriting is upstream's problem; these are the wire defaults.
type EmailTemplate struct {
	Subject string
	Body    string
}

var defaultTemplates = map[string]EmailTemplate{
	"intro": {
		Subject: "Quick question",
		Body:    "Hi,\n\nReaching out because I think we can help your team. Worth a short chat?\n\nBest,",
	},
	"value_followup": {
		Subject: "Following up with something useful",
		Body:    "Hi,\n\nSharing a resource our customers in your space found valuable. Happy to walk you through it.\n\nBest,",
	},
	"case_study": {
		Subject: "How a team like yours did it",
		Body:    "Hi,\n\nThought this case study might resonate. Ten minutes this week to compare notes?\n\nBest,",
	},
	"break_up": {
		Subject: "Closing the loop",
		Body:    "Hi,\n\nI will stop reaching out after this one. If the timing is ever right, my door is open.\n\nBest,",
	},
	"re_intro": {
		Subject: "Picking this back up",
		Body:    "Hi,\n\nCircling back in case priorities have shifted since we last spoke.\n\nBest,",
	},
	"final_nudge": {
		Subject: "One last nudge",
		Body:    "Hi,\n\nLast note from me. Would love to hear where you landed.\n\nBest,",
	},
}

// EmailSender delivers email steps over SMTP with bounded retries on
// transient failures. Hard rejections come back wrapped in ErrPermanent.
type EmailSender struct {
	dialer     *gomail.Dialer
	from       string
	fromName   string
	templates  map[string]EmailTemplate
	maxRetries int
}

// NewEmailSender builds a sender for one SMTP account.
func NewEmailSender(host string, port int, username, password, from, fromName string) *EmailSender {
	dialer := gomail.NewDialer(host, port, username, password)
	dialer.TLSConfig = &tls.Config{ServerName: host}
	templates := make(map[string]EmailTemplate, len(defaultTemplates))
	for k, v := range defaultTemplates {
		templates[k] = v
	}
	return &EmailSender{
		dialer:     dialer,
		from:       from,
		fromName:   fromName,
		templates:  templates,
		maxRetries: 3,
	}
}

// SetTemplate overrides the content for an action type.
func (s *EmailSender) SetTemplate(actionType string, tpl EmailTemplate) {
	s.templates[actionType] = tpl
}

// Send delivers the action's email. The send id rides along as a header so
// a replayed step can be deduplicated on the receiving side.
func (s *EmailSender) Send(ctx context.Context, req *SendRequest) error {
	tpl, ok := s.templates[req.Action.ActionType]
	if !ok {
		tpl = EmailTemplate{
			Subject: "Touching base",
			Body:    "Hi,\n\nWanted to get this in front of you.\n\nBest,",
		}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", s.fromName, s.from))
	m.SetHeader("To", req.Action.Email)
	m.SetHeader("Subject", tpl.Subject)
	m.SetHeader("X-Cadencer-Send-ID", req.SendID)
	m.SetBody("text/plain", fmt.Sprintf("%s\n%s", tpl.Body, s.fromName))

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = s.dialer.DialAndSend(m)
		if lastErr == nil {
			return nil
		}
		if !isTemporarySMTP(lastErr) {
			return fmt.Errorf("%w: %v", ErrPermanent, lastErr)
		}
	}
	return fmt.Errorf("send to %s failed after %d attempts: %v", req.Action.Email, s.maxRetries, lastErr)
}

// isTemporarySMTP reports whether a delivery error is worth retrying. SMTP
// 4xx codes and network timeouts are transient; 5xx rejections are not.
func isTemporarySMTP(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "temporar", "try again", "too many", "connection reset", "connection refused"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	if len(msg) >= 3 && msg[0] == '4' && msg[1] >= '0' && msg[1] <= '9' {
		return true
	}
	return false
}
