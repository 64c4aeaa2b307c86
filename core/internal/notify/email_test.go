package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/shared/config"
)

func TestInvalidRecipientIsNotRetried(t *testing.T) {
	sender, err := NewSMTPSender(config.Config{SMTPHost: "127.0.0.1", SMTPPort: 2525, SMTPFrom: "alerts@example.com"})
	require.NoError(t, err)

	d := &Dispatcher{cfg: Config{BaseDelay: time.Millisecond, AttemptTimeout: time.Second}.withDefaults()}
	attempts, err := d.retry(context.Background(), 3, func(ctx context.Context) error {
		return sender.Send(ctx, []string{"not an address"}, "subject", "body")
	})
	require.ErrorIs(t, err, ErrChannelExhausted)
	assert.Contains(t, err.Error(), "invalid recipient")
	assert.Equal(t, 1, attempts)
}
