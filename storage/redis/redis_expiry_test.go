package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careermate/billing/pkg/billing"
)

func TestStorage_EventKeyExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	config := DefaultConfig()
	config.EventTTL = time.Hour
	storage, err := New(client, config)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("credit event key carries the TTL", func(t *testing.T) {
		_, err := storage.Credit(ctx, &billing.CreditRequest{
			UserID:    "user1",
			Amount:    50,
			Type:      billing.TransactionPurchase,
			EventID:   "evt_ttl",
			EventType: "checkout.completed",
			EventTime: time.Now().UTC(),
		})
		require.NoError(t, err)

		ttl := mr.TTL(storage.eventKey("evt_ttl"))
		assert.Greater(t, ttl, time.Duration(0), "event key should expire")
		assert.LessOrEqual(t, ttl, time.Hour)
	})

	t.Run("expired event is accepted again", func(t *testing.T) {
		err := storage.MarkEventProcessed(ctx, "evt_gone", "invoice.paid")
		require.NoError(t, err)

		err = storage.MarkEventProcessed(ctx, "evt_gone", "invoice.paid")
		assert.True(t, errors.Is(err, billing.ErrDuplicateEvent))

		mr.FastForward(2 * time.Hour)

		// The processor never redelivers this late; if it somehow did, the
		// record is gone and the event is treated as new.
		err = storage.MarkEventProcessed(ctx, "evt_gone", "invoice.paid")
		assert.NoError(t, err)
	})

	t.Run("user state survives event expiry", func(t *testing.T) {
		ub, err := storage.GetUserBilling(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), ub.TokenBalance)

		sum, err := storage.SumTransactions(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, ub.TokenBalance, sum)
	})
}
