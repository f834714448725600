package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// loadEnvFiles loads .env and .env.local when present. Existing process variables win.
func loadEnvFiles() error {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// envOverrides maps the deployment variables onto configuration fields. Non-empty values
// replace whatever the file set.
func envOverrides(cfg *Config) []struct {
	name   string
	target *string
} {
	return []struct {
		name   string
		target *string
	}{
		{"DYNAMODB_TABLE", &cfg.Store.DynamoTable},
		{"SNS_TOPIC_ARN", &cfg.Broker.SQS.TopicARN},
		{"MAIN_QUEUE_URL", &cfg.Broker.SQS.MainQueueURL},
		{"DLQ_URL", &cfg.Broker.SQS.DLQURL},
		{"CONFIRMATION_QUEUE_URL", &cfg.Broker.SQS.ConfirmationQueueURL},
		{"OBJECT_QUEUE_URL", &cfg.Broker.SQS.ObjectQueueURL},
		{"S3_BUCKET", &cfg.Blob.Bucket},
		{"NATS_URL", &cfg.Broker.NATS.URL},
		{"AWS_REGION", &cfg.AWS.Region},
		{"AWS_ENDPOINT_URL", &cfg.AWS.EndpointURL},
		{"EVENTPIPE_HTTP_ADDR", &cfg.HTTP.Addr},
	}
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides(cfg) {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			*o.target = v
		}
	}
}
