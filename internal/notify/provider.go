package notify

import "context"

// Attachment is a file carried along with a message.
type Attachment struct {
	Name    string
	Content []byte
}

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string, attachments ...Attachment) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string, attachments ...Attachment) error {
	return nil
}
