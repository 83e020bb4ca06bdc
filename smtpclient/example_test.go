package smtpclient_test

import (
	"context"
	"fmt"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/smtpclient"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

func Example() {
	cfg := smtpconfig.Default()
	cfg.Hostname = "mail.example.com"
	cfg.Port = 587
	cfg.StartTLS = smtpconfig.StartTLSRequired
	cfg.Login = smtpconfig.LoginRequired
	cfg.Username = "user"
	cfg.Password = "secret"

	ctx := context.Background()
	s, err := smtpclient.Dial(ctx, cfg)
	if err != nil {
		fmt.Println("dial error:", err)
		return
	}
	defer s.Quit(ctx)

	env := smtp.Envelope{From: "sender@example.com", Recipients: []string{"recipient@example.com"}}
	receipt, err := s.Send(ctx, env, []byte("Subject: Hello\r\n\r\nHello!\r\n"))
	if err != nil {
		fmt.Println("send error:", err)
		return
	}
	fmt.Println("queued:", receipt.Response)
}
