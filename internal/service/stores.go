package service

import (
	"database/sql"

	"wisefido-band/internal/repository"

	"go.uber.org/zap"
)

// Stores 各组件的存储端口
type Stores struct {
	Devices     repository.DevicesRepository
	Assignments repository.AssignmentsRepository
	Alerts      repository.AlertsRepository
	Snapshots   repository.HealthSnapshotsRepository
	DeadLetters repository.DeadLettersRepository
	AuditLogs   repository.AuditLogsRepository
}

// PostgresStores 生产环境：全部落 PostgreSQL
func PostgresStores(db *sql.DB, logger *zap.Logger) Stores {
	return Stores{
		Devices:     repository.NewPostgresDevicesRepo(db, logger),
		Assignments: repository.NewPostgresAssignmentsRepo(db, logger),
		Alerts:      repository.NewPostgresAlertsRepo(db, logger),
		Snapshots:   repository.NewPostgresHealthSnapshotsRepo(db),
		DeadLetters: repository.NewPostgresDeadLettersRepo(db),
		AuditLogs:   repository.NewPostgresAuditLogsRepo(db),
	}
}

// MemoryStores 单进程内存存储（本地开发与测试）
func MemoryStores(store *repository.MemoryStore) Stores {
	return Stores{
		Devices:     store,
		Assignments: store,
		Alerts:      store,
		Snapshots:   store,
		DeadLetters: store,
		AuditLogs:   store,
	}
}
