package imapgw

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const maxBodyBytes = 1 << 20

// messageID encodes a UID and mailbox into a Gateway message id.
func messageID(uid imap.UID, mbox string) string {
	return fmt.Sprintf("%d@%s", uid, mbox)
}

func parseMessageID(id string) (imap.UID, string, error) {
	at := strings.IndexByte(id, '@')
	if at <= 0 || at == len(id)-1 {
		return 0, "", fmt.Errorf("malformed message id %q: %w", id, mailbox.ErrNotFound)
	}
	n, err := strconv.ParseUint(id[:at], 10, 32)
	if err != nil || n == 0 {
		return 0, "", fmt.Errorf("malformed message id %q: %w", id, mailbox.ErrNotFound)
	}
	return imap.UID(n), id[at+1:], nil
}

// Keywords cannot contain spaces; categories swap them for underscores.
func categoryToKeyword(name string) imap.Flag {
	return imap.Flag(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

func keywordToCategory(f imap.Flag) (string, bool) {
	s := string(f)
	if s == "" || strings.HasPrefix(s, `\`) || strings.HasPrefix(s, "$") {
		return "", false
	}
	return strings.ReplaceAll(s, "_", " "), true
}

func isSystemFlag(f imap.Flag) bool {
	_, ok := keywordToCategory(f)
	return !ok
}

func firstSection(buf *imapclient.FetchMessageBuffer) []byte {
	for _, s := range buf.BodySection {
		if len(s.Bytes) > 0 {
			return s.Bytes
		}
	}
	return nil
}

// decode turns a fetched buffer into a mailbox.Message.
func decode(buf *imapclient.FetchMessageBuffer, mbox string) (mailbox.Message, error) {
	msg := mailbox.Message{
		ID:             messageID(buf.UID, mbox),
		ParentFolderID: mbox,
		ReceivedAt:     buf.InternalDate.UTC(),
		BodyType:       mailbox.BodyText,
	}
	for _, f := range buf.Flags {
		if f == imap.FlagSeen {
			msg.IsRead = true
			continue
		}
		if c, ok := keywordToCategory(f); ok {
			msg.Categories = append(msg.Categories, c)
		}
	}
	raw := firstSection(buf)
	if len(raw) == 0 {
		return msg, nil
	}
	if err := parseRaw(raw, &msg); err != nil {
		return msg, err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = msg.SentAt
	}
	return msg, nil
}

func parseRaw(raw []byte, msg *mailbox.Message) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	if s, err := h.Subject(); err == nil {
		msg.Subject = s
	} else {
		msg.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = mailbox.Address{Name: from[0].Name, Address: from[0].Address}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, mailbox.Address{Name: a.Name, Address: a.Address})
		}
	}
	if d, err := h.Date(); err == nil {
		msg.SentAt = d.UTC()
	}
	if id, err := h.MessageID(); err == nil {
		msg.InternetMessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	}
	msg.ConversationID = conversationID(msg)

	text, html := readBodies(mr)
	switch {
	case text != "":
		msg.Body = text
	case html != "":
		msg.Body, msg.BodyType = html, mailbox.BodyHTML
	}
	return nil
}

// conversationID is the thread root: first reference, else the parent, else
// the message itself.
func conversationID(msg *mailbox.Message) string {
	if len(msg.References) > 0 {
		return msg.References[0]
	}
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	return msg.InternetMessageID
}

func readBodies(mr *mail.Reader) (text, html string) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && text == "" && html == "" {
				return "", ""
			}
			return text, html
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := mime.ParseMediaType(inline.Get("Content-Type"))
		if err != nil || ct == "" {
			ct = "text/plain"
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			continue
		}
		switch strings.ToLower(ct) {
		case "text/plain":
			if text == "" {
				text = string(body)
			}
		case "text/html":
			if html == "" {
				html = string(body)
			}
		}
	}
}
