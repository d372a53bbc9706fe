package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRow is one persisted entity.
type DocumentRow struct {
	EntityType string         `gorm:"column:entity_type;type:text;primaryKey"`
	EntityID   string         `gorm:"column:entity_id;type:text;primaryKey"`
	Payload    datatypes.JSON `gorm:"column:payload;not null"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;not null"`
}

// TableName sets the database table name.
func (DocumentRow) TableName() string { return "entity_documents" }

// TenantIndexRow links an entity to one tenant that owns or references it.
type TenantIndexRow struct {
	EntityType string `gorm:"column:entity_type;type:text;primaryKey"`
	EntityID   string `gorm:"column:entity_id;type:text;primaryKey"`
	TenantID   string `gorm:"column:tenant_id;type:text;primaryKey;index:ix_entity_tenants_tenant"`
}

// TableName sets the database table name.
func (TenantIndexRow) TableName() string { return "entity_tenants" }

type gormBackend struct {
	conn *gorm.DB
}

// NewGormBackend stores documents in entity_documents / entity_tenants.
func NewGormBackend(conn *gorm.DB) Backend {
	return &gormBackend{conn: conn}
}

// AutoMigrate creates the document tables for dialects without SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(&DocumentRow{}, &TenantIndexRow{})
}

func (r *gormBackend) Get(ctx context.Context, entityType, id string) (Document, error) {
	var row DocumentRow
	err := r.conn.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, ErrNotFound
		}
		return Document{}, apperror.Wrap(apperror.Internal, "load_document", err)
	}
	docs, err := r.withTenants(ctx, entityType, []DocumentRow{row})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

func (r *gormBackend) Put(ctx context.Context, doc Document) error {
	err := r.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := DocumentRow{
			EntityType: doc.Type,
			EntityID:   doc.ID,
			Payload:    datatypes.JSON(doc.Payload),
			UpdatedAt:  doc.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("entity_type = ? AND entity_id = ?", doc.Type, doc.ID).
			Delete(&TenantIndexRow{}).Error; err != nil {
			return err
		}

		tenants := NormalizeTenants(doc.Tenants)
		if len(tenants) == 0 {
			return nil
		}
		index := make([]TenantIndexRow, 0, len(tenants))
		for _, t := range tenants {
			index = append(index, TenantIndexRow{EntityType: doc.Type, EntityID: doc.ID, TenantID: t})
		}
		return tx.Create(&index).Error
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return apperror.Wrap(apperror.ConcurrentModification, "document_write_conflict", err)
		}
		return apperror.Wrap(apperror.Internal, "save_document", err)
	}
	return nil
}

func (r *gormBackend) List(ctx context.Context, entityType string) ([]Document, error) {
	var rows []DocumentRow
	if err := r.conn.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("entity_id ASC").
		Find(&rows).Error; err != nil {
		return nil, apperror.Wrap(apperror.Internal, "list_documents", err)
	}
	return r.withTenants(ctx, entityType, rows)
}

func (r *gormBackend) ListByTenant(ctx context.Context, entityType, tenantID string) ([]Document, error) {
	var rows []DocumentRow
	if err := r.conn.WithContext(ctx).
		Table("entity_documents AS d").
		Select("d.entity_type, d.entity_id, d.payload, d.updated_at").
		Joins("JOIN entity_tenants AS t ON t.entity_type = d.entity_type AND t.entity_id = d.entity_id").
		Where("d.entity_type = ? AND t.tenant_id = ?", entityType, tenantID).
		Order("d.entity_id ASC").
		Scan(&rows).Error; err != nil {
		return nil, apperror.Wrap(apperror.Internal, "list_documents_by_tenant", err)
	}
	return r.withTenants(ctx, entityType, rows)
}

func (r *gormBackend) withTenants(ctx context.Context, entityType string, rows []DocumentRow) ([]Document, error) {
	if len(rows) == 0 {
		return []Document{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.EntityID)
	}

	var index []TenantIndexRow
	if err := r.conn.WithContext(ctx).
		Where("entity_type = ? AND entity_id IN ?", entityType, ids).
		Order("tenant_id ASC").
		Find(&index).Error; err != nil {
		return nil, apperror.Wrap(apperror.Internal, "load_tenant_index", err)
	}
	tenants := make(map[string][]string, len(rows))
	for _, ix := range index {
		tenants[ix.EntityID] = append(tenants[ix.EntityID], ix.TenantID)
	}

	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		out = append(out, Document{
			Type:      row.EntityType,
			ID:        row.EntityID,
			Tenants:   tenants[row.EntityID],
			Payload:   []byte(row.Payload),
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}
