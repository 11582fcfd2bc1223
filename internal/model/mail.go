package model

import "time"

// Mail is the archived message persisted in the mail table. Rows are
// immutable once written; the dispatch subsystem never updates them.
type Mail struct {
	ID   string    `db:"id"`   // unquoted Message-ID, globally unique
	Date time.Time `db:"date"` // origination timestamp from the Date header
	Text string    `db:"text"` // scrubbed plain-text body
	Data []byte    `db:"data"` // raw RFC 5322 payload
}

// Attachment belongs to exactly one Mail, keyed by (mail_id, number).
// Numbers preserve the order of parts in the original message but are not
// required to be contiguous.
type Attachment struct {
	MailID string  `db:"mail_id"`
	Number int     `db:"number"`
	Name   *string `db:"name"` // filename, when the part carried one
	Type   string  `db:"type"` // MIME type
	Code   *string `db:"code"` // charset for text/* parts
	Data   []byte  `db:"data"`
}

// Address is a parsed mailbox from an address header.
type Address struct {
	Name string `json:"name,omitempty"`
	Addr string `json:"addr_spec"`
}

// MailResource is the JSON representation served to consumers. Header
// fields are re-parsed from the raw payload on demand.
type MailResource struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
	Text string    `json:"text"`

	From       []Address `json:"from,omitempty"`
	Sender     *Address  `json:"sender,omitempty"`
	ReplyTo    []Address `json:"reply-to,omitempty"`
	To         []Address `json:"to,omitempty"`
	Cc         []Address `json:"cc,omitempty"`
	Bcc        []Address `json:"bcc,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	InReplyTo  []string  `json:"in-reply-to,omitempty"`
	References []string  `json:"references,omitempty"`

	Attachments []AttachmentResource `json:"attachments"`
}

// AttachmentResource is the JSON metadata for one attachment; the payload
// itself is fetched from the attachment endpoint.
type AttachmentResource struct {
	Number int     `json:"number"`
	Name   *string `json:"name"`
	Type   string  `json:"type"`
	Code   *string `json:"code"`
}
