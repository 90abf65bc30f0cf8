package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL or MariaDB.
//
// Designed for:
//   - Production deployments with several stepflow workers
//   - Executions that must survive process restarts
//   - Audit trails kept in an existing MySQL estate
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Security Warning:
//
//	NEVER hardcode credentials. Read the DSN from configuration or the
//	STEPFLOW_DATABASE_DSN environment variable.
type MySQLStore struct {
	sqlStore
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			definition LONGTEXT NOT NULL,
			is_active TINYINT NOT NULL DEFAULT 1,
			is_scheduled TINYINT NOT NULL DEFAULT 0,
			created_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL,
			execution_inputs LONGTEXT NOT NULL,
			execution_outputs LONGTEXT NOT NULL,
			error_message TEXT NOT NULL,
			executed_by VARCHAR(255) NOT NULL DEFAULT '',
			scheduled_for BIGINT NULL,
			claimed_by VARCHAR(255) NOT NULL DEFAULT '',
			lease_expires_at BIGINT NULL,
			INDEX idx_executions_workflow (workflow_id, started_at),
			INDEX idx_executions_initiator (workflow_id, executed_by),
			CONSTRAINT fk_executions_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			cron_expression VARCHAR(128) NOT NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
			is_active TINYINT NOT NULL DEFAULT 1,
			execution_inputs LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			CONSTRAINT fk_schedules_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			execution_id VARCHAR(64) NOT NULL,
			logged_at BIGINT NOT NULL,
			log_level VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			step_id VARCHAR(255) NOT NULL DEFAULT '',
			step_name VARCHAR(255) NOT NULL DEFAULT '',
			metadata LONGTEXT NOT NULL,
			INDEX idx_logs_execution (execution_id, seq),
			CONSTRAINT fk_logs_execution FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsertWorkflow: `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			description = VALUES(description),
			definition = VALUES(definition),
			is_active = VALUES(is_active),
			is_scheduled = VALUES(is_scheduled),
			created_by = VALUES(created_by),
			updated_at = VALUES(updated_at)`,
	upsertSchedule: `INSERT INTO schedules (` + scheduleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			workflow_id = VALUES(workflow_id),
			name = VALUES(name),
			description = VALUES(description),
			cron_expression = VALUES(cron_expression),
			timezone = VALUES(timezone),
			is_active = VALUES(is_active),
			execution_inputs = VALUES(execution_inputs),
			updated_at = VALUES(updated_at)`,
}

// NewMySQLStore connects to MySQL, verifies the connection and applies the
// schema.
//
// Example:
//
//	st, err := store.NewMySQLStore(os.Getenv("STEPFLOW_DATABASE_DSN"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string, opts ...Option) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db, dialect: mysqlDialect, opts: buildOptions(opts)}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}
