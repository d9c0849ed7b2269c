package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

type AuditRecordSQLRepo struct {
	db *gorm.DB
}

func NewAuditRecordSQLRepo(db *gorm.DB) *AuditRecordSQLRepo {
	return &AuditRecordSQLRepo{
		db: db,
	}
}

func (r *AuditRecordSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *AuditRecordSQLRepo) Create(ctx context.Context, record *model.AuditRecord) (*model.AuditRecord, error) {
	// Redelivered worker messages hit the unique record_id index and are
	// dropped instead of duplicated.
	return record, r.dbWithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
}

func (r *AuditRecordSQLRepo) BulkCreate(ctx context.Context, records []*model.AuditRecord) ([]*model.AuditRecord, error) {
	return records, r.dbWithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(records).Error
}

func (r *AuditRecordSQLRepo) Records(ctx context.Context, afterSeq int64, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	q := r.dbWithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}
