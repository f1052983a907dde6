package events

import (
	"context"
	"encoding/json"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type PubsubPublisher struct {
	projectID string
	topicName string
	credsFile string
	client    *gpubsub.Client
	topic     *gpubsub.Topic
}

func NewPubsub(projectID, topicName, credsFile string) *PubsubPublisher {
	return &PubsubPublisher{projectID: projectID, topicName: topicName, credsFile: credsFile}
}

func (p *PubsubPublisher) init(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicName).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicName).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.topicName).Msg("failed to create pubsub client")
		return err
	}
	p.client = client
	p.topic = client.Topic(p.topicName)
	log.Info().Str("topic", p.topicName).Msg("pubsub event publisher initialized")
	return nil
}

func (p *PubsubPublisher) publish(ctx context.Context, payload any) error {
	if err := p.init(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Interface("event", payload).Msg("failed to marshal event")
		return err
	}
	// Publish and wait for server ack
	r := p.topic.Publish(ctx, &gpubsub.Message{Data: b})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to publish event")
		return err
	}
	log.Debug().Str("messageID", id).Msg("published event")
	return nil
}

func (p *PubsubPublisher) PublishMatchCreated(ctx context.Context, ev *MatchCreated) error {
	return p.publish(ctx, ev)
}

func (p *PubsubPublisher) PublishGameFinished(ctx context.Context, ev *GameFinished) error {
	return p.publish(ctx, ev)
}
