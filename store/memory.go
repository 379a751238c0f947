package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
)

// MemoryStore keeps sessions, variants and catalog items in process. Each
// method holds one mutex, so every multi-record write is atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.UploadSession
	variants map[string]map[models.VariantLabel]models.ImageVariant
	catalog  map[string]models.CatalogItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.UploadSession),
		variants: make(map[string]map[models.VariantLabel]models.ImageVariant),
		catalog:  make(map[string]models.CatalogItem),
	}
}

func (m *MemoryStore) IsReady(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Name() string {
	return "MemoryStore"
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.UploadId]; ok {
		return fmt.Errorf("%w: session %s already exists", apperror.ErrConflict, session.UploadId)
	}
	m.sessions[session.UploadId] = session.Clone()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, uploadId string) (*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[uploadId]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[session.UploadId]
	if !ok || current.Version != session.Version {
		return fmt.Errorf("%w: session %s at version %d", apperror.ErrConflict, session.UploadId, session.Version)
	}

	next := session.Clone()
	next.Version++
	m.sessions[session.UploadId] = next
	session.Version = next.Version
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, uploadId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, uploadId)
	delete(m.variants, uploadId)
	return nil
}

func (m *MemoryStore) PutVariants(ctx context.Context, variants []models.ImageVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range variants {
		rows, ok := m.variants[v.SessionId]
		if !ok {
			rows = make(map[models.VariantLabel]models.ImageVariant)
			m.variants[v.SessionId] = rows
		}
		if prev, ok := rows[v.Label]; ok {
			v.OwnerKind, v.OwnerId = prev.OwnerKind, prev.OwnerId
		} else {
			v.OwnerKind, v.OwnerId = "", ""
		}
		rows[v.Label] = v
	}
	return nil
}

func (m *MemoryStore) ListVariants(ctx context.Context, sessionId string) ([]models.ImageVariant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.variants[sessionId]
	out := make([]models.ImageVariant, 0, len(rows))
	for _, v := range rows {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, sku string) (*models.CatalogItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.catalog[models.NormalizeSku(sku)]
	if !ok {
		return nil, apperror.ErrCatalogItemNotFound
	}
	if item.PrimaryImage != nil {
		ref := *item.PrimaryImage
		item.PrimaryImage = &ref
	}
	return &item, nil
}

func (m *MemoryStore) PutItem(ctx context.Context, item models.CatalogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.Sku = models.NormalizeSku(item.Sku)
	if item.PrimaryImage != nil {
		ref := *item.PrimaryImage
		item.PrimaryImage = &ref
	}
	m.catalog[item.Sku] = item
	return nil
}

func (m *MemoryStore) AttachSession(ctx context.Context, sku string, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sku = models.NormalizeSku(sku)
	item, ok := m.catalog[sku]
	if !ok {
		return apperror.ErrCatalogItemNotFound
	}
	rows := m.variants[sessionId]
	if _, ok := rows[models.VariantOriginal]; !ok {
		return fmt.Errorf("%w: session %s has no original variant", apperror.ErrUploadNotReady, sessionId)
	}

	now := time.Now().UTC()
	for id, other := range m.variants {
		if id == sessionId {
			continue
		}
		for label, v := range other {
			if v.OwnedBy(models.OwnerCatalogItem, sku) {
				v.OwnerKind, v.OwnerId, v.UpdatedAt = "", "", now
				other[label] = v
			}
		}
	}
	for label, v := range rows {
		v.OwnerKind, v.OwnerId, v.UpdatedAt = models.OwnerCatalogItem, sku, now
		rows[label] = v
	}
	for otherSku, other := range m.catalog {
		if otherSku != sku && other.PrimaryImage != nil && other.PrimaryImage.SessionId == sessionId {
			other.PrimaryImage = nil
			other.UpdatedAt = now
			m.catalog[otherSku] = other
		}
	}

	item.PrimaryImage = &models.VariantRef{SessionId: sessionId, Label: models.VariantOriginal}
	item.UpdatedAt = now
	m.catalog[sku] = item
	return nil
}
