// Package email delivers operational alerts, such as the notice sent when a
// precache run stops on repeated authorization failures.
package email

import "log"

type Sender interface {
	Send(to, subject, html string) error
}

// StdoutSender is the dev fallback when no SMTP relay is configured.
type StdoutSender struct{}

func (StdoutSender) Send(to, subject, html string) error {
	log.Printf("EMAIL to=%s subject=%s\n%s", to, subject, html)
	return nil
}
