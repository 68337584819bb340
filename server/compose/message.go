package compose

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/helpers"
)

const defaultReplySubject = "Auto: Out of Office"

// replyDraft is the input to buildAutoReply.
type replyDraft struct {
	From        string
	To          string
	Subject     string
	Body        string
	InReplyTo   string // Message-ID of the original, without brackets
	MessageID   string
	Date        time.Time
	OrigSubject string
}

// buildAutoReply renders an RFC 3834 auto-reply.
func buildAutoReply(d replyDraft) ([]byte, error) {
	subject := helpers.SanitizeUTF8(d.Subject)
	if subject == "" {
		subject = defaultReplySubject
		if orig := helpers.SanitizeUTF8(d.OrigSubject); orig != "" {
			subject = helpers.PrefixSubject("Auto", orig)
		}
	}

	var h mail.Header
	h.SetDate(d.Date)
	h.SetAddressList("From", []*mail.Address{{Address: d.From}})
	h.SetAddressList("To", []*mail.Address{{Address: d.To}})
	h.SetSubject(subject)
	h.SetMessageID(d.MessageID)
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{d.InReplyTo})
		h.SetMsgIDList("References", []string{d.InReplyTo})
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	return render(h, d.Body)
}

// forwardDraft is the input to buildForward.
type forwardDraft struct {
	From      string
	To        []string
	Original  *db.Message
	MessageID string
	Date      time.Time
}

// buildForward renders a forward of the original's metadata. Bodies live in
// external blob storage, so the forward carries a summary of the original
// headers.
func buildForward(d forwardDraft) ([]byte, error) {
	orig := d.Original
	to := make([]*mail.Address, 0, len(d.To))
	for _, addr := range d.To {
		to = append(to, &mail.Address{Address: addr})
	}

	var h mail.Header
	h.SetDate(d.Date)
	h.SetAddressList("From", []*mail.Address{{Address: d.From}})
	h.SetAddressList("To", to)
	h.SetSubject(helpers.PrefixSubject("Fwd", helpers.SanitizeUTF8(orig.Subject), "Fw"))
	h.SetMessageID(d.MessageID)
	if id := strings.Trim(orig.MessageID, "<>"); id != "" {
		h.SetMsgIDList("References", []string{id})
	}
	h.Set("Auto-Submitted", "auto-forwarded")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var body strings.Builder
	body.WriteString("---------- Forwarded message ----------\r\n")
	fmt.Fprintf(&body, "From: %s\r\n", orig.From)
	if !orig.ReceivedAt.IsZero() {
		fmt.Fprintf(&body, "Date: %s\r\n", orig.ReceivedAt.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&body, "Subject: %s\r\n", orig.Subject)
	if len(orig.To) > 0 {
		fmt.Fprintf(&body, "To: %s\r\n", strings.Join(orig.To, ", "))
	}
	if len(orig.Cc) > 0 {
		fmt.Fprintf(&body, "Cc: %s\r\n", strings.Join(orig.Cc, ", "))
	}
	return render(h, body.String())
}

func render(h mail.Header, text string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}
