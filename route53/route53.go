// Package route53 publishes a short-TTL DNS name for each allocated game
// server. Pod addresses are ephemeral and may be reused; the handoff token
// and clients reference the stable name instead.
package route53

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/rs/zerolog/log"
)

// Publisher maps an allocated server to a stable connectable name.
type Publisher interface {
	// Publish upserts the record and returns the name clients should dial.
	Publish(ctx context.Context, serverName, address string) (string, error)
	// Unpublish removes the record. Deleting a record that does not exist
	// is not an error.
	Unpublish(ctx context.Context, serverName, address string) error
}

type changeBatchAPI interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

type Route53Publisher struct {
	api          changeBatchAPI
	hostedZoneID string
	baseDomain   string
	recordTTL    int64
	timeout      time.Duration
}

func New(ctx context.Context, hostedZoneID, baseDomain string, recordTTL int64, timeout time.Duration) (*Route53Publisher, error) {
	// Route53 is global but the SDK wants a region.
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithDefaultRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Route53Publisher{
		api:          route53.NewFromConfig(cfg),
		hostedZoneID: hostedZoneID,
		baseDomain:   baseDomain,
		recordTTL:    recordTTL,
		timeout:      timeout,
	}, nil
}

func (p *Route53Publisher) fqdn(serverName string) string {
	return serverName + "." + p.baseDomain
}

func (p *Route53Publisher) change(ctx context.Context, action types.ChangeAction, serverName, address string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fqdn := p.fqdn(serverName)
	_, err := p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{
					Action: action,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name:            aws.String(fqdn),
						Type:            types.RRTypeA,
						TTL:             aws.Int64(p.recordTTL),
						ResourceRecords: []types.ResourceRecord{{Value: aws.String(address)}},
					},
				},
			},
		},
	})
	return err
}

func (p *Route53Publisher) Publish(ctx context.Context, serverName, address string) (string, error) {
	if err := p.change(ctx, types.ChangeActionUpsert, serverName, address); err != nil {
		return "", fmt.Errorf("upsert A record for %s: %w", serverName, err)
	}
	fqdn := p.fqdn(serverName)
	log.Info().Str("fqdn", fqdn).Str("address", address).Msg("route53: upserted A record")
	return fqdn, nil
}

func (p *Route53Publisher) Unpublish(ctx context.Context, serverName, address string) error {
	if err := p.change(ctx, types.ChangeActionDelete, serverName, address); err != nil {
		// Route53 rejects deletes of absent records; that is the outcome
		// we wanted anyway.
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "InvalidChangeBatch") {
			log.Debug().Str("serverName", serverName).Msg("route53: record already absent")
			return nil
		}
		return fmt.Errorf("delete A record for %s: %w", serverName, err)
	}
	log.Info().Str("fqdn", p.fqdn(serverName)).Msg("route53: deleted A record")
	return nil
}

// NopPublisher hands out the raw address unchanged. Used when no hosted zone
// is configured (local development).
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, _, address string) (string, error) {
	return address, nil
}

func (NopPublisher) Unpublish(context.Context, string, string) error { return nil }
