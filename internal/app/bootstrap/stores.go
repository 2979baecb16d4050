package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/pearlflow/internal/archive"
	appconfig "github.com/wolfman30/pearlflow/internal/config"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/notify"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/internal/turn"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// BuildSessionStore picks the session backend named by SESSION_BACKEND.
func BuildSessionStore(cfg *appconfig.Config, redisClient *redis.Client, pool *pgxpool.Pool, logger *logging.Logger) (session.Store, error) {
	switch cfg.SessionBackend {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: SESSION_BACKEND=redis requires REDIS_ADDR")
		}
		logger.Info("session store", "backend", "redis", "ttl", cfg.SessionTTL)
		return session.NewRedisStore(redisClient, cfg.SessionTTL), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: SESSION_BACKEND=postgres requires DATABASE_URL")
		}
		logger.Info("session store", "backend", "postgres")
		return session.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}
}

// BuildEventLog picks the per-session event log named by EVENT_BACKEND.
func BuildEventLog(cfg *appconfig.Config, redisClient *redis.Client) (events.Log, error) {
	retention := events.Retention{MaxAge: cfg.EventRetention, MaxEvents: cfg.EventLogMaxEvents}
	switch cfg.EventBackend {
	case "", "memory":
		return events.NewMemoryLog(retention), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("bootstrap: EVENT_BACKEND=redis requires REDIS_ADDR")
		}
		return events.NewRedisLog(redisClient, retention), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EVENT_BACKEND %q", cfg.EventBackend)
	}
}

// BuildTurnQueue returns the in-process queue and job store, or SQS and
// DynamoDB when USE_MEMORY_QUEUE is false.
func BuildTurnQueue(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (turn.Queue, turn.JobStore, error) {
	if cfg.UseMemoryQueue {
		return turn.NewMemoryQueue(1024), turn.NewMemoryJobStore(), nil
	}
	if strings.TrimSpace(cfg.TurnQueueURL) == "" || strings.TrimSpace(cfg.TurnJobsTable) == "" {
		return nil, nil, fmt.Errorf("bootstrap: TURN_QUEUE_URL and TURN_JOBS_TABLE are required when USE_MEMORY_QUEUE=false")
	}
	logger.Info("turn queue", "backend", "sqs", "table", cfg.TurnJobsTable)
	queue := turn.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.TurnQueueURL)
	jobs := turn.NewDynamoJobStore(dynamodb.NewFromConfig(awsCfg), cfg.TurnJobsTable, logger)
	return queue, jobs, nil
}

// BuildEmailSender picks the outbound mail provider named by EMAIL_PROVIDER.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	switch cfg.EmailProvider {
	case "", "stub":
		return notify.NewStubEmailSender(logger), nil
	case "sendgrid":
		if strings.TrimSpace(cfg.SendGridAPIKey) == "" {
			return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
		}
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger), nil
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) == "" {
			return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=ses requires SES_FROM_EMAIL")
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail:        cfg.SESFromEmail,
			FromName:         cfg.SendGridFromName,
			ConfigurationSet: cfg.SESConfigSet,
		}, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

// BuildSMSSender returns the patient SMS sender named by SMS_PROVIDER, or nil
// when SMS is turned off.
func BuildSMSSender(cfg *appconfig.Config, logger *logging.Logger) (notify.SMSSender, error) {
	switch cfg.SMSProvider {
	case "none", "off":
		return nil, nil
	case "", "stub":
		return notify.NewStubSMSSender(logger), nil
	case "telnyx":
		if strings.TrimSpace(cfg.TelnyxAPIKey) == "" {
			return nil, fmt.Errorf("bootstrap: SMS_PROVIDER=telnyx requires TELNYX_API_KEY")
		}
		return notify.NewTelnyxSender(cfg.TelnyxAPIKey, cfg.TelnyxProfileID, cfg.SMSFromNumber, logger), nil
	case "twilio":
		if strings.TrimSpace(cfg.TwilioAccountSID) == "" || strings.TrimSpace(cfg.TwilioAuthToken) == "" {
			return nil, fmt.Errorf("bootstrap: SMS_PROVIDER=twilio requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
		}
		return notify.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SMSFromNumber, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}
}

// BuildArchiver returns the transcript archiver, or nil when ARCHIVE_BUCKET
// is unset.
func BuildArchiver(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *archive.Archiver {
	bucket := strings.TrimSpace(cfg.ArchiveBucket)
	if bucket == "" {
		return nil
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	logger.Info("transcript archive enabled", "bucket", bucket)
	return archive.NewArchiver(archive.NewStore(client, bucket, logger), logger)
}
