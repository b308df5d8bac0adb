package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/careline/internal/config"
	"github.com/wolfman30/careline/internal/notify"
	"github.com/wolfman30/careline/pkg/logging"
)

// BuildNotificationChannels selects the email and push channels. Push always
// goes through the job queue when one is configured; otherwise it is stubbed.
func BuildNotificationChannels(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (email, push notify.Channel) {
	if logger == nil {
		logger = logging.Default()
	}
	stub := notify.NewStubChannel(logger)

	var queue notify.Channel
	if cfg != nil && strings.TrimSpace(cfg.NotificationQueueURL) != "" {
		queue = notify.NewQueueChannel(sqs.NewFromConfig(awsCfg), cfg.NotificationQueueURL)
	}
	push = stub
	if queue != nil {
		push = queue
	}
	if cfg == nil {
		return stub, push
	}

	switch cfg.EmailProvider {
	case "queue":
		if queue != nil {
			logger.Info("notifications via job queue")
			return queue, push
		}
		logger.Warn("NOTIFICATION_QUEUE_URL not set; email notifications are stubbed")
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			logger.Info("email notifications via sendgrid")
			return notify.NewEmailChannel(sender), push
		}
		logger.Warn("SENDGRID_API_KEY not set; email notifications are stubbed")
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) != "" {
			sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
				FromEmail: cfg.SESFromEmail,
				FromName:  cfg.SESFromName,
			}, logger)
			logger.Info("email notifications via ses")
			return notify.NewEmailChannel(sender), push
		}
		logger.Warn("SES_FROM_EMAIL not set; email notifications are stubbed")
	case "stub", "":
	default:
		logger.Warn("unknown EMAIL_PROVIDER; email notifications are stubbed", "provider", cfg.EmailProvider)
	}
	return stub, push
}
