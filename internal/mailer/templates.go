package mailer

import (
	"context"
	"fmt"
)

// SendVerificationEmail mails the 4-digit signup verification code.
func SendVerificationEmail(ctx context.Context, m Mailer, to, code string) error {
	body := fmt.Sprintf("Your verification code is: <b>%s</b>. Please enter this code to verify your email.", code)
	return m.Send(ctx, to, "Email Verification", body, true)
}

// SendPINEmail mails the 6-digit access PIN for a private label.
func SendPINEmail(ctx context.Context, m Mailer, to, pin string) error {
	body := fmt.Sprintf("Your pin for accessing the private label is: %s", pin)
	return m.Send(ctx, to, "Your Access Pin", body, false)
}

// SendShareEmail notifies a recipient that a label was shared with them.
func SendShareEmail(ctx context.Context, m Mailer, to, senderName, labelName string) error {
	body := fmt.Sprintf("%s shared the label %q with you. Sign in to accept or decline it.", senderName, labelName)
	return m.Send(ctx, to, "A label was shared with you", body, false)
}
