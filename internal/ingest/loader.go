package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/jmehdipour/mail-archiver/internal/model"
)

// LoadMail parses the RFC 5322 message in raw into an archive Mail plus
// its attachments. The plain-text parts of the body become Mail.Text; every
// other leaf part becomes a numbered attachment in original order.
func LoadMail(raw []byte) (model.Mail, []model.Attachment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return model.Mail{}, nil, fmt.Errorf("parse mail: %w", err)
	}

	id := unquoteMessageID(msg.Header.Get("Message-Id"))
	if id == "" {
		return model.Mail{}, nil, fmt.Errorf("mail without Message-Id")
	}

	date, err := msg.Header.Date()
	if err != nil {
		date = time.Now().UTC()
	}

	s := &scrubber{}
	if err := s.walkBody(msg.Header, msg.Body); err != nil {
		return model.Mail{}, nil, err
	}

	m := model.Mail{
		ID:   id,
		Date: date,
		Text: strings.TrimSpace(s.text.String()),
		Data: raw,
	}
	return m, s.attachments, nil
}

// LoadResource builds the JSON representation served to consumers from the
// stored raw payload, re-parsing the address headers on demand.
func LoadResource(m model.Mail, attachments []model.Attachment) (model.MailResource, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(m.Data))
	if err != nil {
		return model.MailResource{}, fmt.Errorf("parse stored mail: %w", err)
	}

	r := model.MailResource{
		ID:          m.ID,
		Date:        m.Date,
		Text:        m.Text,
		From:        addressList(msg.Header, "From"),
		ReplyTo:     addressList(msg.Header, "Reply-To"),
		To:          addressList(msg.Header, "To"),
		Cc:          addressList(msg.Header, "Cc"),
		Bcc:         addressList(msg.Header, "Bcc"),
		Subject:     strings.TrimSpace(decodeHeader(msg.Header.Get("Subject"))),
		InReplyTo:   messageIDList(msg.Header.Get("In-Reply-To")),
		References:  messageIDList(msg.Header.Get("References")),
		Attachments: make([]model.AttachmentResource, 0, len(attachments)),
	}

	if single := addressList(msg.Header, "Sender"); len(single) == 1 {
		r.Sender = &single[0]
	}

	for _, a := range attachments {
		r.Attachments = append(r.Attachments, model.AttachmentResource{
			Number: a.Number,
			Name:   a.Name,
			Type:   a.Type,
			Code:   a.Code,
		})
	}
	return r, nil
}

// scrubber accumulates body text and attachments while walking MIME parts.
type scrubber struct {
	text        strings.Builder
	attachments []model.Attachment
	number      int
}

// partHeader is the common surface of mail.Header and
// textproto.MIMEHeader.
type partHeader interface {
	Get(key string) string
}

func (s *scrubber) walkBody(header partHeader, body io.Reader) error {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read part: %w", err)
			}
			if err := s.walkBody(part.Header, part); err != nil {
				return err
			}
		}
	}

	data, err := decodeBody(body, header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return err
	}

	// inline plain text joins the scrubbed body; everything else is an
	// attachment in part order
	if mediaType == "text/plain" && !isAttachment(header) {
		if s.text.Len() > 0 {
			s.text.WriteString("\n")
		}
		s.text.Write(data)
		return nil
	}

	a := model.Attachment{
		MailID: "", // set on insert
		Number: s.number,
		Type:   mediaType,
		Data:   data,
	}
	s.number++

	if name := partFilename(header, params); name != "" {
		a.Name = &name
	}
	if strings.HasPrefix(mediaType, "text/") {
		if code, ok := params["charset"]; ok && code != "" {
			code = strings.ToLower(code)
			a.Code = &code
		}
	}

	s.attachments = append(s.attachments, a)
	return nil
}

func isAttachment(header partHeader) bool {
	disposition := header.Get("Content-Disposition")
	if disposition == "" {
		return false
	}
	dispType, _, err := mime.ParseMediaType(disposition)
	if err != nil {
		return false
	}
	return dispType == "attachment"
}

func partFilename(header partHeader, typeParams map[string]string) string {
	if disposition := header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return decodeHeader(name)
			}
		}
	}
	if name := typeParams["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}

func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return data, nil
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// unquoteMessageID strips the surrounding angle brackets from a
// Message-Id header value.
func unquoteMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

func addressList(h mail.Header, key string) []model.Address {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(parsed))
	for _, a := range parsed {
		addr := model.Address{Name: a.Name, Addr: a.Address}
		if !containsAddress(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func containsAddress(list []model.Address, a model.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func messageIDList(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, unquoteMessageID(f))
	}
	return out
}
