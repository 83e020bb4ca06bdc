package mailer_test

import (
	"context"
	"fmt"

	"github.com/alexisbouchez/smtpmail/mailer"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
	"github.com/alexisbouchez/smtpmail/smtpmime"
)

func Example() {
	cfg, err := smtpconfig.Load("mail.toml")
	if err != nil {
		fmt.Println("config error:", err)
		return
	}

	ctx := context.Background()
	client, err := mailer.New(cfg)
	if err != nil {
		fmt.Println("pool error:", err)
		return
	}
	defer client.Close(ctx)

	res, err := client.Send(ctx, &smtpmime.Message{
		From:    "Build Bot <ci@example.com>",
		To:      []string{"team@example.com"},
		Subject: "Nightly build passed",
		HTML:    "<p>All <b>412</b> tests passed.</p>",
		Attachments: []smtpmime.Attachment{{
			Filename:    "report.txt",
			ContentType: "text/plain",
			Data:        []byte("ok\n"),
		}},
		TextFromHTML: true,
	})
	if err != nil {
		fmt.Println("send error:", err)
		return
	}
	fmt.Println("queued:", res.MessageID, res.Response)
}
