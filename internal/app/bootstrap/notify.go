package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// BuildSender wires participant and operator delivery. Email goes through
// SendGrid when an API key is set, otherwise SES; SMS is handed to the
// messaging worker over SQS. Without any channel a logging stub is used.
func BuildSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.Sender {
	if logger == nil {
		logger = logging.Default()
	}
	senders := make(map[notify.Channel]notify.Sender, 2)

	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		senders[notify.ChannelEmail] = sg
		logger.Info("email delivery via sendgrid")
	} else if awsCfg != nil && cfg.SESFromEmail != "" {
		ses := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
		if ses != nil {
			senders[notify.ChannelEmail] = ses
			logger.Info("email delivery via ses")
		}
	}

	if awsCfg != nil && cfg.SMSQueueURL != "" {
		senders[notify.ChannelSMS] = notify.NewSQSSender(sqs.NewFromConfig(*awsCfg), cfg.SMSQueueURL, logger)
		logger.Info("sms delivery via sqs", "queue_url", cfg.SMSQueueURL)
	}

	if len(senders) == 0 {
		logger.Warn("no notification channel configured; using stub sender")
		return notify.NewStubSender(logger)
	}
	return notify.NewRouter(senders)
}
