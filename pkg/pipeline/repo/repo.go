package repo

import (
	"gorm.io/gorm"
)

type IRepo interface {
	Signal() ISignal
	Decision() IDecision
	Order() IOrder
	Account() IAccount
	AuditRecord() IAuditRecord
}

type Repo struct {
	pipelineDB *gorm.DB
}

func NewRepo(pipelineDB *gorm.DB) IRepo {
	return &Repo{
		pipelineDB: pipelineDB,
	}
}

func (r *Repo) Signal() ISignal {
	return NewSignalSQLRepo(r.pipelineDB)
}

func (r *Repo) Decision() IDecision {
	return NewDecisionSQLRepo(r.pipelineDB)
}

func (r *Repo) Order() IOrder {
	return NewOrderSQLRepo(r.pipelineDB)
}

func (r *Repo) Account() IAccount {
	return NewAccountSQLRepo(r.pipelineDB)
}

func (r *Repo) AuditRecord() IAuditRecord {
	return NewAuditRecordSQLRepo(r.pipelineDB)
}
