// Package redis provides a Redis implementation of the billing.Store
// interface. Balance and subscription state live in a per-user hash and
// the ledger in a per-user list; all mutations run as Lua scripts so the
// ledger append, balance update and processed-event record are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/careermate/billing/pkg/billing"
)

const defaultListLimit = 50

// Storage implements billing.Store using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billing:")
	KeyPrefix string

	// EventTTL is the TTL for processed-event keys. The processor stops
	// redelivering events long before this; expiry keeps the keyspace
	// bounded. 0 means no expiration.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billing:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billing:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations. Ledger
// entries arrive pre-encoded from Go so the scripts never need cjson.
func (s *Storage) loadScripts() {
	// Credit: dedup on event key, raise balance, append ledger entry.
	s.scripts["credit"] = redis.NewScript(`
		local userKey = KEYS[1]
		local ledgerKey = KEYS[2]
		local eventKey = KEYS[3]
		local amount = tonumber(ARGV[1])
		local entry = ARGV[2]
		local eventType = ARGV[3]
		local eventTTL = tonumber(ARGV[4])
		local now = ARGV[5]
		local purchasedAt = ARGV[6]

		if eventKey ~= "" then
			if redis.call('EXISTS', eventKey) == 1 then
				return {-1, 'duplicate'}
			end
		end

		local balance = redis.call('HINCRBY', userKey, 'balance', amount)
		redis.call('RPUSH', ledgerKey, entry)
		redis.call('HSET', userKey, 'updated_at', now)
		if purchasedAt ~= "" then
			redis.call('HSET', userKey, 'last_purchase', purchasedAt)
		end

		if eventKey ~= "" then
			redis.call('SET', eventKey, eventType)
			if eventTTL > 0 then
				redis.call('PEXPIRE', eventKey, eventTTL)
			end
		end

		return {balance, 'ok'}
	`)

	// Debit: re-check affordability and lower balance in one step.
	s.scripts["debit"] = redis.NewScript(`
		local userKey = KEYS[1]
		local ledgerKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local entry = ARGV[2]
		local now = ARGV[3]

		local balance = tonumber(redis.call('HGET', userKey, 'balance') or '0')
		if balance < amount then
			return {balance, 'insufficient'}
		end

		balance = redis.call('HINCRBY', userKey, 'balance', -amount)
		redis.call('RPUSH', ledgerKey, entry)
		redis.call('HSET', userKey, 'updated_at', now)

		return {balance, 'ok'}
	`)

	// Subscription update: dedup, drop stale events, conflict-check the
	// subscription id unless replacing, then apply.
	s.scripts["subUpdate"] = redis.NewScript(`
		local userKey = KEYS[1]
		local eventKey = KEYS[2]
		local customerKey = KEYS[3]
		local status = ARGV[1]
		local level = ARGV[2]
		local subID = ARGV[3]
		local custID = ARGV[4]
		local periodEnd = ARGV[5]
		local eventTime = tonumber(ARGV[6])
		local now = ARGV[7]
		local replace = ARGV[8]
		local eventType = ARGV[9]
		local eventTTL = tonumber(ARGV[10])
		local userID = ARGV[11]

		if eventKey ~= "" then
			if redis.call('EXISTS', eventKey) == 1 then
				return 'duplicate'
			end
			redis.call('SET', eventKey, eventType)
			if eventTTL > 0 then
				redis.call('PEXPIRE', eventKey, eventTTL)
			end
		end

		-- Equal timestamps still apply: event timestamps have second
		-- granularity and a distinct event id in the same second is new.
		local lastApplied = tonumber(redis.call('HGET', userKey, 'sub_updated_at') or '0')
		if lastApplied > 0 and eventTime < lastApplied then
			return 'stale'
		end

		local storedSub = redis.call('HGET', userKey, 'subscription_id') or ''
		if replace == '0' and storedSub ~= '' and subID ~= '' and subID ~= storedSub then
			return 'conflict'
		end

		redis.call('HSET', userKey, 'status', status)
		if level ~= '' then
			redis.call('HSET', userKey, 'level', level)
		end
		if subID ~= '' then
			redis.call('HSET', userKey, 'subscription_id', subID)
		end
		if custID ~= '' then
			redis.call('HSET', userKey, 'customer_id', custID)
			if customerKey ~= '' then
				redis.call('SET', customerKey, userID)
			end
		end
		if periodEnd ~= '' then
			redis.call('HSET', userKey, 'end_date', periodEnd)
		end
		redis.call('HSET', userKey, 'sub_updated_at', eventTime)
		redis.call('HSET', userKey, 'updated_at', now)

		return 'ok'
	`)
}

// GetUserBilling implements billing.Store.
func (s *Storage) GetUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}
	if len(fields) == 0 {
		return nil, billing.ErrBillingNotFound
	}
	return parseBilling(userID, fields), nil
}

// EnsureUserBilling implements billing.Store.
func (s *Storage) EnsureUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	key := s.userKey(userID)
	now := time.Now().UTC().UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "balance", 0)
	pipe.HSetNX(ctx, key, "status", string(billing.SubscriptionNone))
	pipe.HSetNX(ctx, key, "level", string(billing.SubscriptionLevelNone))
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSetNX(ctx, key, "updated_at", now)
	pipe.SAdd(ctx, s.usersKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure billing record: %w", err)
	}

	return s.GetUserBilling(ctx, userID)
}

// GetUserIDByCustomer implements billing.Store.
func (s *Storage) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return "", billing.ErrBillingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// SetCustomerID implements billing.Store.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	if _, err := s.EnsureUserBilling(ctx, userID); err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.userKey(userID), "customer_id", customerID, "updated_at", now)
	pipe.Set(ctx, s.customerKey(customerID), userID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// Credit implements billing.Store.
func (s *Storage) Credit(ctx context.Context, req *billing.CreditRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, billing.ErrInvalidAmount
	}
	if _, err := s.EnsureUserBilling(ctx, req.UserID); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	entry, err := encodeEntry(req.UserID, req.ServiceName, req.Amount, req.Type, req.Description, now)
	if err != nil {
		return 0, err
	}

	eventKey := ""
	if req.EventID != "" {
		eventKey = s.eventKey(req.EventID)
	}
	purchasedAt := ""
	if req.Type == billing.TransactionPurchase {
		at := req.EventTime
		if at.IsZero() {
			at = now
		}
		purchasedAt = strconv.FormatInt(at.UnixMilli(), 10)
	}

	result, err := s.scripts["credit"].Run(ctx, s.client,
		[]string{s.userKey(req.UserID), s.ledgerKey(req.UserID), eventKey},
		req.Amount, entry, req.EventType, s.config.EventTTL.Milliseconds(),
		now.UnixMilli(), purchasedAt).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run credit script: %w", err)
	}

	balance, status, err := parseScriptResult(result)
	if err != nil {
		return 0, err
	}
	if status == "duplicate" {
		return 0, billing.ErrDuplicateEvent
	}
	return balance, nil
}

// Debit implements billing.Store.
func (s *Storage) Debit(ctx context.Context, req *billing.DebitRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, billing.ErrInvalidAmount
	}
	if _, err := s.EnsureUserBilling(ctx, req.UserID); err != nil {
		return 0, err
	}

	txType := req.Type
	if txType == "" {
		txType = billing.TransactionDeduction
	}

	now := time.Now().UTC()
	entry, err := encodeEntry(req.UserID, req.ServiceName, -req.Amount, txType, req.Description, now)
	if err != nil {
		return 0, err
	}

	result, err := s.scripts["debit"].Run(ctx, s.client,
		[]string{s.userKey(req.UserID), s.ledgerKey(req.UserID)},
		req.Amount, entry, now.UnixMilli()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run debit script: %w", err)
	}

	balance, status, err := parseScriptResult(result)
	if err != nil {
		return 0, err
	}
	if status == "insufficient" {
		return balance, billing.ErrInsufficientTokens
	}
	return balance, nil
}

// ApplySubscriptionUpdate implements billing.Store.
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, req *billing.SubscriptionUpdate) error {
	if _, err := s.EnsureUserBilling(ctx, req.UserID); err != nil {
		return err
	}

	eventKey := ""
	if req.EventID != "" {
		eventKey = s.eventKey(req.EventID)
	}
	customerKey := ""
	if req.CustomerID != "" {
		customerKey = s.customerKey(req.CustomerID)
	}
	periodEnd := ""
	if req.PeriodEnd != nil {
		periodEnd = strconv.FormatInt(req.PeriodEnd.UnixMilli(), 10)
	}
	replace := "0"
	if req.Replace {
		replace = "1"
	}

	result, err := s.scripts["subUpdate"].Run(ctx, s.client,
		[]string{s.userKey(req.UserID), eventKey, customerKey},
		string(req.Status), string(req.Level), req.SubscriptionID, req.CustomerID,
		periodEnd, req.EventTime.UnixMilli(), time.Now().UTC().UnixMilli(),
		replace, req.EventType, s.config.EventTTL.Milliseconds(), req.UserID).Result()
	if err != nil {
		return fmt.Errorf("failed to run subscription script: %w", err)
	}

	switch result {
	case "ok", "stale":
		return nil
	case "duplicate":
		return billing.ErrDuplicateEvent
	case "conflict":
		return billing.ErrSubscriptionStateConflict
	default:
		return fmt.Errorf("unexpected script result %v", result)
	}
}

// MarkEventProcessed implements billing.Store.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(eventID), eventType, s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if !ok {
		return billing.ErrDuplicateEvent
	}
	return nil
}

// ListTransactions implements billing.Store.
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.TokenTransaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	raw, err := s.client.LRange(ctx, s.ledgerKey(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	// LRange returns oldest first; reverse for newest-first.
	out := make([]billing.TokenTransaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var tx billing.TokenTransaction
		if err := json.Unmarshal([]byte(raw[i]), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}

// SumTransactions implements billing.Store.
func (s *Storage) SumTransactions(ctx context.Context, userID string) (int64, error) {
	raw, err := s.client.LRange(ctx, s.ledgerKey(userID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}

	var sum int64
	for _, item := range raw {
		var tx billing.TokenTransaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			return 0, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		sum += tx.Amount
	}
	return sum, nil
}

// ListUserIDs implements billing.Store.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

// Close closes the underlying Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) ledgerKey(userID string) string {
	return fmt.Sprintf("%sledger:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "users"
}

func encodeEntry(
	userID, serviceName string, amount int64,
	txType billing.TransactionType, description string, createdAt time.Time,
) (string, error) {
	data, err := json.Marshal(billing.TokenTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		ServiceName: serviceName,
		Amount:      amount,
		Type:        txType,
		Description: description,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	return string(data), nil
}

func parseScriptResult(result interface{}) (int64, string, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, "", fmt.Errorf("unexpected script result %v", result)
	}
	balance, ok := parts[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected balance in script result %v", parts[0])
	}
	status, ok := parts[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("unexpected status in script result %v", parts[1])
	}
	return balance, status, nil
}

func parseBilling(userID string, fields map[string]string) *billing.UserBilling {
	ub := &billing.UserBilling{
		UserID:                userID,
		PaymentCustomerID:     fields["customer_id"],
		PaymentSubscriptionID: fields["subscription_id"],
		SubscriptionStatus:    billing.SubscriptionStatus(fields["status"]),
		SubscriptionLevel:     billing.SubscriptionLevel(fields["level"]),
	}
	ub.TokenBalance, _ = strconv.ParseInt(fields["balance"], 10, 64)
	ub.SubscriptionEndDate = parseMillisPtr(fields["end_date"])
	ub.LastTokenPurchaseDate = parseMillisPtr(fields["last_purchase"])
	if t := parseMillisPtr(fields["sub_updated_at"]); t != nil {
		ub.SubscriptionUpdatedAt = *t
	}
	if t := parseMillisPtr(fields["created_at"]); t != nil {
		ub.CreatedAt = *t
	}
	if t := parseMillisPtr(fields["updated_at"]); t != nil {
		ub.UpdatedAt = *t
	}
	return ub
}

func parseMillisPtr(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
