package extract

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing mirrors mailsync.Envelope so adapters can convert directly
type Outgoing struct {
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	BodyText  string
	BodyHTML  string
	InReplyTo string
}

// Recipients returns every envelope recipient including Bcc
func (o Outgoing) Recipients() []string {
	all := make([]string, 0, len(o.To)+len(o.Cc)+len(o.Bcc))
	all = append(all, o.To...)
	all = append(all, o.Cc...)
	return append(all, o.Bcc...)
}

func addressList(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Compose renders an RFC 5322 message. Bcc is only written as a header when
// withBcc is set, for APIs that read recipients from the raw message.
func Compose(o Outgoing, withBcc bool) ([]byte, error) {
	if len(o.Recipients()) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(o.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if o.InReplyTo != "" {
		h.Set("In-Reply-To", o.InReplyTo)
		h.Set("References", o.InReplyTo)
	}

	fields := []struct {
		key  string
		list []string
	}{
		{"From", []string{o.From}},
		{"To", o.To},
		{"Cc", o.Cc},
	}
	if withBcc {
		fields = append(fields, struct {
			key  string
			list []string
		}{"Bcc", o.Bcc})
	}
	for _, f := range fields {
		if len(f.list) == 0 || (len(f.list) == 1 && f.list[0] == "") {
			continue
		}
		addrs, err := addressList(f.list)
		if err != nil {
			return nil, err
		}
		h.SetAddressList(f.key, addrs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}

	bodies := []struct{ contentType, body string }{
		{"text/plain", o.BodyText},
		{"text/html", o.BodyHTML},
	}
	for _, b := range bodies {
		if b.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(b.contentType, map[string]string{"charset": "utf-8"})
		w, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", b.contentType, err)
		}
		if _, err := io.WriteString(w, b.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
