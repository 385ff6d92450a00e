// Package devices keeps the per-user set of push tokens.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken = errors.New("invalid device token")
	ErrUnknownToken = errors.New("unknown device token")
	ErrNotOwner     = errors.New("device token belongs to another user")
)

var platforms = map[string]bool{"android": true, "ios": true, "web": true}

type Store interface {
	UpsertDeviceToken(ctx context.Context, t *models.DeviceToken) error
	FindDeviceToken(ctx context.Context, token string) (*models.DeviceToken, error)
	UpdateDeviceToken(ctx context.Context, token string, fields map[string]any) error
	FindTokensForUser(ctx context.Context, userID uint64, excludeRevoked bool) ([]models.DeviceToken, error)
}

// CacheTTL bounds how long another process's revocation can go unseen.
const CacheTTL = 30 * time.Second

type cacheEntry struct {
	tokens []string
	loaded time.Time
}

// Registry wraps the token store with a read cache of active tokens per
// user. Every mutation drops the affected users from the cache; entries
// also expire after ttl so revocations written by the worker show up.
type Registry struct {
	store Store
	log   *zap.Logger
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[uint64]cacheEntry
	gen   uint64
	// rejected holds tokens the gateway refused, until their revocation lands
	rejected map[string]time.Time
}

func NewRegistry(s Store, log *zap.Logger) *Registry {
	return &Registry{
		store:    s,
		log:      log,
		ttl:      CacheTTL,
		now:      time.Now,
		cache:    make(map[uint64]cacheEntry),
		rejected: make(map[string]time.Time),
	}
}

// Register upserts token for userID. A token seen before is reassigned to
// userID and reactivated.
func (r *Registry) Register(ctx context.Context, userID uint64, token, platform string) error {
	token = strings.TrimSpace(token)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if token == "" || len(token) > 255 {
		return ErrInvalidToken
	}
	if !platforms[platform] {
		return fmt.Errorf("%w: platform %q", ErrInvalidToken, platform)
	}

	prev, err := r.store.FindDeviceToken(ctx, token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now()
	if err := r.store.UpsertDeviceToken(ctx, &models.DeviceToken{
		UserID:     userID,
		Token:      token,
		Platform:   platform,
		Revoked:    false,
		LastSeenAt: now,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.rejected, token)
	r.mu.Unlock()
	r.invalidate(userID)
	if prev != nil && prev.UserID != userID {
		r.invalidate(prev.UserID)
		r.log.Info("device_token_reassigned", zap.Uint64("from_user", prev.UserID), zap.Uint64("to_user", userID))
	}
	return nil
}

// Revoke is the client-side unregister. Only an explicit logout disables
// the token; closing the app keeps pushes flowing.
func (r *Registry) Revoke(ctx context.Context, userID uint64, token string, isLogout bool) error {
	t, err := r.store.FindDeviceToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownToken
		}
		return err
	}
	if t.UserID != userID {
		return ErrNotOwner
	}

	fields := map[string]any{"last_seen_at": time.Now()}
	if isLogout {
		fields["revoked"] = true
	}
	if err := r.store.UpdateDeviceToken(ctx, t.Token, fields); err != nil {
		return err
	}
	r.invalidate(userID)
	return nil
}

// MarkRevoked disables token after the gateway rejected it permanently.
// Unknown tokens are ignored.
func (r *Registry) MarkRevoked(ctx context.Context, token string) error {
	t, err := r.store.FindDeviceToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if t.Revoked {
		return nil
	}
	if err := r.store.UpdateDeviceToken(ctx, token, map[string]any{"revoked": true}); err != nil {
		return err
	}
	r.invalidate(t.UserID)
	r.log.Info("device_token_revoked", zap.Uint64("user_id", t.UserID), zap.String("platform", t.Platform))
	return nil
}

// ActiveTokens returns the non-revoked tokens of userID.
func (r *Registry) ActiveTokens(ctx context.Context, userID uint64) ([]string, error) {
	now := r.now()
	r.mu.RLock()
	e, ok := r.cache[userID]
	gen := r.gen
	r.mu.RUnlock()
	if ok && now.Sub(e.loaded) < r.ttl {
		return e.tokens, nil
	}

	rows, err := r.store.FindTokensForUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(rows))
	for _, t := range rows {
		if until, bad := r.rejected[t.Token]; bad {
			if now.Before(until) {
				continue
			}
			delete(r.rejected, t.Token)
		}
		out = append(out, t.Token)
	}
	// skip the fill if a mutation raced the query
	if r.gen == gen {
		r.cache[userID] = cacheEntry{tokens: out, loaded: now}
	}
	return out, nil
}

// EvictToken drops a token the gateway rejected from userID's active set
// at once. The durable revocation may still be queued; until it lands or
// the cache ttl passes, the token stays hidden.
func (r *Registry) EvictToken(userID uint64, token string) {
	r.mu.Lock()
	r.rejected[token] = r.now().Add(r.ttl)
	delete(r.cache, userID)
	r.gen++
	r.mu.Unlock()
}

func (r *Registry) invalidate(userID uint64) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.gen++
	r.mu.Unlock()
}
