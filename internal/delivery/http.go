package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmehdipour/mail-archiver/internal/model"
)

// HTTPEndpoint posts archived mail to a consumer's webhook URL. A small
// circuit breaker fronts the endpoint so a dead consumer fails fast
// instead of burning the full timeout on every due row.
type HTTPEndpoint struct {
	url    string
	client *http.Client
	br     *MicroBreaker
}

func NewHTTPEndpoint(url string, timeoutMs, failThreshold, openForMs int) *HTTPEndpoint {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPEndpoint{
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

var _ Capability = (*HTTPEndpoint)(nil)

func (p *HTTPEndpoint) Deliver(ctx context.Context, mail model.Mail) error {
	if !p.br.TryAcquire() {
		return fmt.Errorf("endpoint=%s breaker open", p.url)
	}

	if err := p.post(ctx, mail); err != nil {
		p.br.OnFailure()
		return err
	}

	p.br.OnSuccess()

	return nil
}

func (p *HTTPEndpoint) post(ctx context.Context, mail model.Mail) error {
	b, _ := json.Marshal(Payload{ID: mail.ID, Date: mail.Date, Text: mail.Text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mail-ID", mail.ID)

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("endpoint=%s status=%d", p.url, res.StatusCode)
	}

	return nil
}
