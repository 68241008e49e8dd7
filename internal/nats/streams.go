package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the relay's KV buckets if they don't exist yet.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) error {
	buckets := []struct {
		name        string
		description string
	}{
		{BucketJobs, "captcha jobs"},
		{BucketPending, "unclaimed job index"},
		{BucketDead, "dead-lettered job index"},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:      b.name,
			Description: b.description,
			Storage:     jetstream.FileStorage,
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}
	return nil
}
