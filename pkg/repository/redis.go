package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/capacity/internal/apperror"
)

const defaultRedisPrefix = "capacity"

type redisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend stores each document as a JSON string with set-based indexes
// per type and per tenant.
func NewRedisBackend(client *redis.Client, prefix string) Backend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisBackend{client: client, prefix: prefix}
}

func (r *redisBackend) docKey(entityType, id string) string {
	return fmt.Sprintf("%s:doc:%s:%s", r.prefix, entityType, id)
}

func (r *redisBackend) typeKey(entityType string) string {
	return fmt.Sprintf("%s:idx:%s", r.prefix, entityType)
}

func (r *redisBackend) tenantKey(entityType, tenantID string) string {
	return fmt.Sprintf("%s:idx:%s:tenant:%s", r.prefix, entityType, tenantID)
}

func (r *redisBackend) Get(ctx context.Context, entityType, id string) (Document, error) {
	raw, err := r.client.Get(ctx, r.docKey(entityType, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrNotFound
		}
		return Document{}, apperror.Wrap(apperror.Internal, "load_document", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, apperror.Wrap(apperror.Internal, "decode_document", err)
	}
	return doc, nil
}

func (r *redisBackend) Put(ctx context.Context, doc Document) error {
	doc.Tenants = NormalizeTenants(doc.Tenants)
	raw, err := json.Marshal(doc)
	if err != nil {
		return apperror.Wrap(apperror.Internal, "encode_document", err)
	}

	previous, err := r.Get(ctx, doc.Type, doc.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.docKey(doc.Type, doc.ID), raw, 0)
		pipe.SAdd(ctx, r.typeKey(doc.Type), doc.ID)
		for _, t := range previous.Tenants {
			pipe.SRem(ctx, r.tenantKey(doc.Type, t), doc.ID)
		}
		for _, t := range doc.Tenants {
			pipe.SAdd(ctx, r.tenantKey(doc.Type, t), doc.ID)
		}
		return nil
	})
	if err != nil {
		return apperror.Wrap(apperror.Internal, "save_document", err)
	}
	return nil
}

func (r *redisBackend) List(ctx context.Context, entityType string) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, r.typeKey(entityType)).Result()
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "list_documents", err)
	}
	return r.fetch(ctx, entityType, ids)
}

func (r *redisBackend) ListByTenant(ctx context.Context, entityType, tenantID string) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, r.tenantKey(entityType, tenantID)).Result()
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "list_documents_by_tenant", err)
	}
	return r.fetch(ctx, entityType, ids)
}

func (r *redisBackend) fetch(ctx context.Context, entityType string, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.docKey(entityType, id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "fetch_documents", err)
	}

	out := make([]Document, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, apperror.Wrap(apperror.Internal, "decode_document", err)
		}
		out = append(out, doc)
	}
	sortDocuments(out)
	return out, nil
}
