package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

const keyPrefix = "satp:session:"

// sessionDTO is the cached wire form of a session record. The retry budget
// travels string-encoded at this boundary.
type sessionDTO struct {
	ID                   int64             `json:"id"`
	SessionID            string            `json:"sessionId"`
	Stage                session.Stage     `json:"stage"`
	Status               session.Status    `json:"status"`
	SourceNetworkID      string            `json:"sourceNetworkId"`
	DestinationNetworkID string            `json:"destinationNetworkId"`
	SourceAsset          session.Asset     `json:"sourceAsset"`
	DestinationAsset     session.Asset     `json:"destinationAsset"`
	MaxRetries           string            `json:"maxRetries"`
	MaxTimeout           string            `json:"maxTimeout"`
	AttemptCount         int               `json:"attemptCount"`
	LastError            string            `json:"lastError,omitempty"`
	Receipts             []session.Receipt `json:"receipts,omitempty"`
	StageHistory         []session.Stage   `json:"stageHistory"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
}

func toDTO(s *session.Data) sessionDTO {
	return sessionDTO{
		ID:                   s.ID,
		SessionID:            s.SessionID,
		Stage:                s.Stage,
		Status:               s.Status,
		SourceNetworkID:      s.SourceNetworkID,
		DestinationNetworkID: s.DestinationNetworkID,
		SourceAsset:          s.SourceAsset,
		DestinationAsset:     s.DestinationAsset,
		MaxRetries:           strconv.Itoa(s.MaxRetries),
		MaxTimeout:           s.MaxTimeout.String(),
		AttemptCount:         s.AttemptCount,
		LastError:            s.LastError,
		Receipts:             s.Receipts,
		StageHistory:         s.StageHistory,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		CompletedAt:          s.CompletedAt,
	}
}

func fromDTO(dto sessionDTO) (*session.Data, error) {
	maxRetries, err := strconv.Atoi(dto.MaxRetries)
	if err != nil {
		return nil, errors.Wrapf(err, "decode maxRetries %q", dto.MaxRetries)
	}
	maxTimeout, err := time.ParseDuration(dto.MaxTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "decode maxTimeout %q", dto.MaxTimeout)
	}
	return &session.Data{
		ID:                   dto.ID,
		SessionID:            dto.SessionID,
		Stage:                dto.Stage,
		Status:               dto.Status,
		SourceNetworkID:      dto.SourceNetworkID,
		DestinationNetworkID: dto.DestinationNetworkID,
		SourceAsset:          dto.SourceAsset,
		DestinationAsset:     dto.DestinationAsset,
		MaxRetries:           maxRetries,
		MaxTimeout:           maxTimeout,
		AttemptCount:         dto.AttemptCount,
		LastError:            dto.LastError,
		Receipts:             dto.Receipts,
		StageHistory:         dto.StageHistory,
		CreatedAt:            dto.CreatedAt,
		UpdatedAt:            dto.UpdatedAt,
		CompletedAt:          dto.CompletedAt,
	}, nil
}

// Cache stores session records in redis with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached session, or nil on a miss.
func (c *Cache) Get(ctx context.Context, sessionID string) (*session.Data, error) {
	data, err := c.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get session")
	}
	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	return fromDTO(dto)
}

func (c *Cache) Set(ctx context.Context, s *session.Data) error {
	data, err := json.Marshal(toDTO(s))
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	if err := c.client.Set(ctx, keyPrefix+s.SessionID, data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to cache session")
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}

// CachedRepository layers the redis cache over a durable session store.
// Writes go through to the store first; the cache is invalidated rather than
// trusted when it disagrees. Cache errors degrade to store reads.
type CachedRepository struct {
	store session.Repository
	cache *Cache
}

func NewCachedRepository(store session.Repository, cache *Cache) *CachedRepository {
	return &CachedRepository{store: store, cache: cache}
}

func (r *CachedRepository) Get(ctx context.Context, sessionID string) (*session.Data, error) {
	if cached, err := r.cache.Get(ctx, sessionID); err == nil && cached != nil {
		return cached, nil
	}
	s, err := r.store.Get(ctx, sessionID)
	if err != nil || s == nil {
		return s, err
	}
	_ = r.cache.Set(ctx, s)
	return s, nil
}

func (r *CachedRepository) Put(ctx context.Context, data *session.Data) error {
	if err := r.store.Put(ctx, data); err != nil {
		return err
	}
	if err := r.cache.Set(ctx, data); err != nil {
		// Stale cache is worse than no cache.
		_ = r.cache.Delete(ctx, data.SessionID)
	}
	return nil
}

func (r *CachedRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	return r.cache.Delete(ctx, sessionID)
}

func (r *CachedRepository) ListActive(ctx context.Context) ([]*session.Data, error) {
	return r.store.ListActive(ctx)
}
