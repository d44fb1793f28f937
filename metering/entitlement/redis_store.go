// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on Redis. Each caller record is a hash (or a
// counter for anonymous rows) and every read-modify-write runs as a Lua
// script, which Redis executes atomically, so multi-instance deployments
// get the same per-key linearization as the SQL stores.
type RedisStore struct {
	client    *redis.Client
	limits    *PlanLimits
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// anonTTLSeconds keeps anonymous rows around long enough to survive the
// day boundary in any timezone before Redis expires them on its own.
const anonTTLSeconds = 2 * 24 * 60 * 60

// consumeAccountScript performs provision-if-missing, lazy day reset with
// bonus overflow draw-down, ceiling check, and conditional increment in
// one atomic unit.
//
// KEYS[1] = account hash
// ARGV[1] = today (YYYY-MM-DD), ARGV[2] = presented plan,
// ARGV[3] = "1" to increment, ARGV[4..6] = FREE/PREMIUM/ANONYMOUS limits
//
// Returns {allowed, used, ceiling, plan}.
var consumeAccountScript = redis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]
local increment = ARGV[3] == "1"

if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key,
        "plan", ARGV[2], "bonus", "0", "daily_consumed", "0",
        "last_reset_date", today, "bonus_granted", "0")
end

local plan = redis.call("HGET", key, "plan")
local daily_limit
if plan == "PREMIUM" then
    daily_limit = tonumber(ARGV[5])
elseif plan == "ANONYMOUS" then
    daily_limit = tonumber(ARGV[6])
else
    daily_limit = tonumber(ARGV[4])
end

local bonus = tonumber(redis.call("HGET", key, "bonus") or "0")
local used = tonumber(redis.call("HGET", key, "daily_consumed") or "0")
local last = redis.call("HGET", key, "last_reset_date")

if last ~= today then
    local overflow = used - daily_limit
    if overflow > 0 then
        bonus = bonus - overflow
        if bonus < 0 then bonus = 0 end
    end
    used = 0
    redis.call("HSET", key, "bonus", tostring(bonus),
        "daily_consumed", "0", "last_reset_date", today)
end

local ceiling = daily_limit + bonus
local allowed = 0
if used < ceiling then
    allowed = 1
    if increment then
        used = used + 1
        redis.call("HSET", key, "daily_consumed", tostring(used))
    end
end

return {allowed, used, ceiling, plan}
`)

// consumeAnonScript: KEYS[1] = anonymous counter for one (ip, date),
// ARGV[1] = daily limit, ARGV[2] = "1" to increment, ARGV[3] = TTL seconds.
// Returns {allowed, count}.
var consumeAnonScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local count = tonumber(redis.call("GET", key) or "0")
local allowed = 0
if count < limit then
    allowed = 1
    if ARGV[2] == "1" then
        count = redis.call("INCR", key)
        redis.call("EXPIRE", key, tonumber(ARGV[3]))
    end
end
return {allowed, count}
`)

// grantBonusScript: returns -1 if the account is missing, -2 if the bonus
// was already granted, else the new bonus balance.
var grantBonusScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return -1
end
if redis.call("HGET", key, "bonus_granted") == "1" then
    return -2
end
local bonus = redis.call("HINCRBY", key, "bonus", tonumber(ARGV[1]))
redis.call("HSET", key, "bonus_granted", "1")
return bonus
`)

var createAccountScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    return 0
end
redis.call("HSET", key,
    "plan", "FREE", "email", ARGV[2], "bonus", "0", "daily_consumed", "0",
    "last_reset_date", ARGV[1], "bonus_granted", "0")
return 1
`)

var setPlanScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "plan", ARGV[1])
return 1
`)

// NewRedisStore creates a Redis-backed store from a connected client.
func NewRedisStore(client *redis.Client, limits *PlanLimits) *RedisStore {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	return &RedisStore{client: client, limits: limits, keyPrefix: "metering:"}
}

func (s *RedisStore) accountKey(id string) string {
	return s.keyPrefix + "acct:" + id
}

func (s *RedisStore) anonKey(ip, date string) string {
	return s.keyPrefix + "anon:" + ip + ":" + date
}

func (s *RedisStore) Consume(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	return s.eval(ctx, key, plan, today, true)
}

func (s *RedisStore) Status(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	return s.eval(ctx, key, plan, today, false)
}

func (s *RedisStore) eval(ctx context.Context, key CallerKey, plan Plan, today string, increment bool) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.evalAnon(ctx, key.ID, today, increment)
	}

	incr := "0"
	if increment {
		incr = "1"
	}
	raw, err := consumeAccountScript.Run(ctx, s.client,
		[]string{s.accountKey(key.ID)},
		today, string(plan), incr,
		strconv.Itoa(s.limits.DailyLimit(PlanFree)),
		strconv.Itoa(s.limits.DailyLimit(PlanPremium)),
		strconv.Itoa(s.limits.DailyLimit(PlanAnonymous)),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run consume script: %w", err)
	}

	return decodeAccountReply(raw)
}

// decodeAccountReply validates the [allowed, used, limit, plan] script
// reply. Element types are checked so a malformed reply degrades to an
// error, never a panic.
func decodeAccountReply(raw interface{}) (Decision, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("unexpected consume script reply: %v", raw)
	}
	allowed, okAllowed := vals[0].(int64)
	used, okUsed := vals[1].(int64)
	limit, okLimit := vals[2].(int64)
	storedPlan, okPlan := vals[3].(string)
	if !okAllowed || !okUsed || !okLimit || !okPlan {
		return Decision{}, fmt.Errorf("unexpected consume script reply: %v", raw)
	}
	return Decision{
		Allowed: allowed == 1,
		Used:    int(used),
		Limit:   int(limit),
		Plan:    Plan(storedPlan),
	}, nil
}

func (s *RedisStore) evalAnon(ctx context.Context, ip, today string, increment bool) (Decision, error) {
	limit := s.limits.DailyLimit(PlanAnonymous)
	incr := "0"
	if increment {
		incr = "1"
	}
	raw, err := consumeAnonScript.Run(ctx, s.client,
		[]string{s.anonKey(ip, today)},
		strconv.Itoa(limit), incr, strconv.Itoa(anonTTLSeconds),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run anonymous consume script: %w", err)
	}

	return decodeAnonReply(raw, limit)
}

func decodeAnonReply(raw interface{}, limit int) (Decision, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected anonymous script reply: %v", raw)
	}
	allowed, okAllowed := vals[0].(int64)
	used, okUsed := vals[1].(int64)
	if !okAllowed || !okUsed {
		return Decision{}, fmt.Errorf("unexpected anonymous script reply: %v", raw)
	}
	return Decision{
		Allowed: allowed == 1,
		Used:    int(used),
		Limit:   limit,
		Plan:    PlanAnonymous,
	}, nil
}

func (s *RedisStore) CreateAccount(ctx context.Context, accountID, email string, today string) (CallerRecord, error) {
	created, err := createAccountScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)}, today, email,
	).Int64()
	if err != nil {
		return CallerRecord{}, fmt.Errorf("failed to create account: %w", err)
	}
	if created == 0 {
		return CallerRecord{}, ErrAccountExists
	}
	return CallerRecord{
		Key:           CallerKey{Kind: CallerAccount, ID: accountID},
		Plan:          PlanFree,
		LastResetDate: today,
	}, nil
}

func (s *RedisStore) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	updated, err := setPlanScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)}, string(plan),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	if updated == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *RedisStore) GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error) {
	bonus, err := grantBonusScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)}, strconv.Itoa(amount),
	).Int64()
	if err != nil {
		return CallerRecord{}, fmt.Errorf("failed to grant bonus: %w", err)
	}
	switch bonus {
	case -1:
		return CallerRecord{}, ErrAccountNotFound
	case -2:
		rec, err := s.loadAccount(ctx, accountID)
		if err != nil {
			return CallerRecord{}, err
		}
		return rec, ErrBonusAlreadyGranted
	}
	return s.loadAccount(ctx, accountID)
}

func (s *RedisStore) loadAccount(ctx context.Context, accountID string) (CallerRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return CallerRecord{}, fmt.Errorf("failed to load account: %w", err)
	}
	if len(fields) == 0 {
		return CallerRecord{}, ErrAccountNotFound
	}
	bonus, _ := strconv.Atoi(fields["bonus"])
	used, _ := strconv.Atoi(fields["daily_consumed"])
	return CallerRecord{
		Key:           CallerKey{Kind: CallerAccount, ID: accountID},
		Plan:          Plan(fields["plan"]),
		Bonus:         bonus,
		DailyConsumed: used,
		LastResetDate: fields["last_reset_date"],
		BonusGranted:  fields["bonus_granted"] == "1",
	}, nil
}

// PurgeAnonymousBefore scans for anonymous counters older than the cutoff
// date. Redis also expires them by TTL, so this only accelerates cleanup.
func (s *RedisStore) PurgeAnonymousBefore(ctx context.Context, date string) (int64, error) {
	var purged int64
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"anon:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Key layout is "<prefix>anon:<ip>:<YYYY-MM-DD>".
		if len(key) < len(DateLayout) {
			continue
		}
		if key[len(key)-len(DateLayout):] < date {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return purged, fmt.Errorf("failed to purge anonymous usage: %w", err)
			}
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("failed to scan anonymous usage: %w", err)
	}
	return purged, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
