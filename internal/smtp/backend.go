// Package smtp is the receiving-only SMTP front: every accepted message
// is archived and fanned out. There is no relay.
package smtp

import (
	"context"
	"io"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/ingest"
	"github.com/jmehdipour/mail-archiver/internal/logger"
)

type Config struct {
	Addr    string
	Domain  string
	MaxSize int64 // bytes per message
}

// Backend implements the go-smtp Backend interface on top of the ingest
// service.
type Backend struct {
	ingest *ingest.Service
}

func NewBackend(svc *ingest.Service) *Backend {
	return &Backend{ingest: svc}
}

func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

// NewServer builds a configured go-smtp server around the backend.
func NewServer(b *Backend, cfg Config) *gosmtp.Server {
	s := gosmtp.NewServer(b)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	if cfg.MaxSize > 0 {
		s.MaxMessageBytes = cfg.MaxSize
	}
	s.MaxRecipients = 50
	return s
}

type session struct {
	backend *Backend
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	logger.L().Debug("smtp mail", zap.String("from", from))
	return nil
}

// Rcpt accepts every recipient: which consumers see the mail is the
// interest policy's call, not the envelope's.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	logger.L().Debug("smtp rcpt", zap.String("to", to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := s.backend.ingest.Archive(ctx, raw); err != nil {
		if ingest.IsDuplicate(err) {
			// MTA retransmit of an archived mail; accept quietly
			return nil
		}
		logger.L().Error("smtp archive failed", zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "archiving failed, try again later",
		}
	}
	return nil
}

func (s *session) Reset() {}

func (s *session) Logout() error { return nil }
