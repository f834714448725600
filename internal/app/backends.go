package app

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"git.home.luguber.info/inful/eventpipe/internal/broker"
	"git.home.luguber.info/inful/eventpipe/internal/broker/awsq"
	"git.home.luguber.info/inful/eventpipe/internal/broker/memory"
	"git.home.luguber.info/inful/eventpipe/internal/broker/natsq"
	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// awsClients shares one resolved AWS configuration between the service clients.
type awsClients struct {
	cfg      aws.Config
	endpoint string
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Driver == config.StoreDynamoDB ||
		cfg.Broker.Driver == config.BrokerAWS ||
		cfg.Blob.Driver == config.BlobS3 ||
		cfg.Notify.Email.Driver == config.NotifySES
}

func loadAWS(ctx context.Context, ac config.AWSConfig) (*awsClients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if ac.Region != "" {
		opts = append(opts, awsconfig.WithRegion(ac.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to load AWS configuration").Build()
	}
	return &awsClients{cfg: cfg, endpoint: ac.EndpointURL}, nil
}

func (c *awsClients) baseEndpoint() *string {
	if c.endpoint == "" {
		return nil
	}
	return aws.String(c.endpoint)
}

func (c *awsClients) dynamo() *dynamodb.Client {
	return dynamodb.NewFromConfig(c.cfg, func(o *dynamodb.Options) { o.BaseEndpoint = c.baseEndpoint() })
}

func (c *awsClients) s3() *s3.Client {
	return s3.NewFromConfig(c.cfg, func(o *s3.Options) {
		o.BaseEndpoint = c.baseEndpoint()
		// Local emulators do not resolve virtual-hosted bucket names.
		o.UsePathStyle = c.endpoint != ""
	})
}

func (c *awsClients) ses() *sesv2.Client {
	return sesv2.NewFromConfig(c.cfg, func(o *sesv2.Options) { o.BaseEndpoint = c.baseEndpoint() })
}

func (c *awsClients) sns() *sns.Client {
	return sns.NewFromConfig(c.cfg, func(o *sns.Options) { o.BaseEndpoint = c.baseEndpoint() })
}

func (c *awsClients) sqs() *sqs.Client {
	return sqs.NewFromConfig(c.cfg, func(o *sqs.Options) { o.BaseEndpoint = c.baseEndpoint() })
}

func (a *App) openBroker(ctx context.Context) (broker.Topology, error) {
	bc := a.cfg.Broker
	switch bc.Driver {
	case config.BrokerNATS:
		client, err := natsq.Connect(ctx, natsq.Options{
			URL:               bc.NATS.URL,
			Stream:            bc.NATS.Stream,
			VisibilityTimeout: bc.VisibilityTimeout,
			MaxReceiveCount:   bc.MaxReceiveCount,
			Retention:         bc.Retention,
			DLQRetention:      bc.DLQRetention,
		})
		if err != nil {
			return broker.Topology{}, err
		}
		topo, err := client.Topology(ctx)
		if err != nil {
			_ = client.Close()
			return broker.Topology{}, err
		}
		return topo, nil
	case config.BrokerAWS:
		return awsq.NewTopology(a.aws.sns(), a.aws.sqs(), awsq.Options{
			TopicARN:             bc.SQS.TopicARN,
			MainQueueURL:         bc.SQS.MainQueueURL,
			DLQURL:               bc.SQS.DLQURL,
			ConfirmationQueueURL: bc.SQS.ConfirmationQueueURL,
			ObjectQueueURL:       bc.SQS.ObjectQueueURL,
		}), nil
	default:
		return memory.NewTopology(memory.TopologyOptions{
			VisibilityTimeout: bc.VisibilityTimeout,
			MaxReceiveCount:   bc.MaxReceiveCount,
			Retention:         bc.Retention,
			DLQRetention:      bc.DLQRetention,
		}).Broker(), nil
	}
}
