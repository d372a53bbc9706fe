// Package repository is the persistence collaborator of the engine. Entities
// are stored as JSON documents indexed by type, id and owning tenants, so the
// same contract can sit on a relational store, redis or a plain map.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
)

var ErrNotFound = apperror.New(apperror.NotFound, "entity_not_found")

// Entity is implemented (with value receivers) by every persisted engine type.
type Entity interface {
	EntityType() string
	EntityID() string
	EntityTenants() []string
}

// Document is the storage form of one entity.
type Document struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Tenants   []string  `json:"tenants"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend stores raw documents.
type Backend interface {
	Get(ctx context.Context, entityType, id string) (Document, error)
	Put(ctx context.Context, doc Document) error
	List(ctx context.Context, entityType string) ([]Document, error)
	ListByTenant(ctx context.Context, entityType, tenantID string) ([]Document, error)
}

// Repository is the typed view over a Backend.
type Repository[T Entity] interface {
	Load(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, entity T) error
	List(ctx context.Context) ([]T, error)
	ListByTenant(ctx context.Context, tenantID string) ([]T, error)
}

type store[T Entity] struct {
	backend    Backend
	entityType string
	clock      clock.Clock
}

// ProvideStore stamps documents from clk; a nil clk falls back to the system clock.
func ProvideStore[T Entity](backend Backend, clk clock.Clock) Repository[T] {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	var zero T
	return &store[T]{
		backend:    backend,
		entityType: zero.EntityType(),
		clock:      clk,
	}
}

func (s *store[T]) Load(ctx context.Context, id string) (T, error) {
	var out T
	doc, err := s.backend.Get(ctx, s.entityType, id)
	if err != nil {
		return out, err
	}
	return s.decode(doc)
}

func (s *store[T]) Save(ctx context.Context, entity T) error {
	id := strings.TrimSpace(entity.EntityID())
	if id == "" {
		return apperror.New(apperror.Invalid, "entity_id_required")
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return apperror.Wrap(apperror.Internal, "encode_entity", err)
	}
	return s.backend.Put(ctx, Document{
		Type:      s.entityType,
		ID:        id,
		Tenants:   NormalizeTenants(entity.EntityTenants()),
		Payload:   payload,
		UpdatedAt: s.clock.Now().UTC(),
	})
}

func (s *store[T]) List(ctx context.Context) ([]T, error) {
	docs, err := s.backend.List(ctx, s.entityType)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(docs)
}

func (s *store[T]) ListByTenant(ctx context.Context, tenantID string) ([]T, error) {
	docs, err := s.backend.ListByTenant(ctx, s.entityType, strings.TrimSpace(tenantID))
	if err != nil {
		return nil, err
	}
	return s.decodeAll(docs)
}

func (s *store[T]) decode(doc Document) (T, error) {
	var out T
	if err := json.Unmarshal(doc.Payload, &out); err != nil {
		return out, apperror.Wrap(apperror.Internal, "decode_entity", fmt.Errorf("%s/%s: %w", doc.Type, doc.ID, err))
	}
	return out, nil
}

func (s *store[T]) decodeAll(docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// NormalizeTenants trims, drops empties, dedupes and sorts tenant ids.
func NormalizeTenants(tenants []string) []string {
	seen := make(map[string]struct{}, len(tenants))
	out := make([]string, 0, len(tenants))
	for _, t := range tenants {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
