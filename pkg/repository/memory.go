package repository

import (
	"context"
	"slices"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string]Document
}

// NewMemoryBackend returns a process-local Backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{docs: make(map[string]map[string]Document)}
}

func (m *memoryBackend) Get(_ context.Context, entityType, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[entityType][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *memoryBackend) Put(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.docs[doc.Type]
	if !ok {
		byID = make(map[string]Document)
		m.docs[doc.Type] = byID
	}
	byID[doc.ID] = cloneDocument(doc)
	return nil
}

func (m *memoryBackend) List(_ context.Context, entityType string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs[entityType]))
	for _, doc := range m.docs[entityType] {
		out = append(out, cloneDocument(doc))
	}
	sortDocuments(out)
	return out, nil
}

func (m *memoryBackend) ListByTenant(_ context.Context, entityType, tenantID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0)
	for _, doc := range m.docs[entityType] {
		if slices.Contains(doc.Tenants, tenantID) {
			out = append(out, cloneDocument(doc))
		}
	}
	sortDocuments(out)
	return out, nil
}

func cloneDocument(doc Document) Document {
	doc.Tenants = slices.Clone(doc.Tenants)
	doc.Payload = slices.Clone(doc.Payload)
	return doc
}
