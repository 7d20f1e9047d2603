package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create fresh schema.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds weight overrides and per-seed replay detail.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS crl_weight_overrides (
			scope TEXT NOT NULL CHECK (scope IN ('run','tenant')),
			scope_id TEXT NOT NULL,
			weights TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (scope, scope_id)
		)`,
		"ALTER TABLE offline_replays ADD COLUMN seed_results TEXT",
		"ALTER TABLE offline_replays ADD COLUMN error TEXT",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// Tables holds the DDL for the current schema, in creation order.
//
//nolint:gochecknoglobals // static DDL
var tables = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	// Run telemetry: the sources CRL terms are aggregated from.
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		doer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		policy_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gate_evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gate_id TEXT NOT NULL,
		passed INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS qav_validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		grounding REAL NOT NULL,
		contradiction INTEGER NOT NULL,
		specificity REAL NOT NULL,
		correctness REAL NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cost_tracking (
		run_id TEXT PRIMARY KEY,
		spend_usd REAL NOT NULL,
		budget_usd REAL NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_latencies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		latency_ms REAL NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
		description TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_breakages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS migration_rehearsals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rag_citation_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		claims INTEGER NOT NULL,
		cited INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crl_weight_overrides (
		scope TEXT NOT NULL CHECK (scope IN ('run','tenant')),
		scope_id TEXT NOT NULL,
		weights TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, scope_id)
	)`,

	`CREATE TABLE IF NOT EXISTS crl_results (
		run_id TEXT PRIMARY KEY,
		loss_value REAL NOT NULL,
		terms TEXT NOT NULL,
		weights TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		doer TEXT NOT NULL,
		phase TEXT NOT NULL,
		version TEXT NOT NULL,
		prompts TEXT NOT NULL,
		hparams TEXT NOT NULL,
		router_rules TEXT NOT NULL,
		tools_allowlist TEXT NOT NULL,
		weights TEXT NOT NULL,
		provenance TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','shadow','canary','active','archived')),
		activated_at TEXT,
		archived_at TEXT,
		performance_metrics TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (doer, version)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_promotions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_id TEXT NOT NULL REFERENCES policies(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		rationale TEXT,
		timestamp TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('prompt_synthesis','adapter_training','tool_tuning','rag_optimization')),
		doer TEXT NOT NULL,
		phase TEXT NOT NULL,
		parent_policy_id TEXT REFERENCES policies(id),
		dataset_id TEXT,
		config TEXT NOT NULL,
		seeds TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed','cancelled')),
		policy_id TEXT REFERENCES policies(id),
		metrics TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		doer TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		source_run_id TEXT NOT NULL DEFAULT '',
		sample_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_samples (
		dataset_id TEXT NOT NULL REFERENCES datasets(id),
		artifact_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		grounding REAL NOT NULL DEFAULT 0,
		contradiction INTEGER NOT NULL DEFAULT 0,
		specificity REAL NOT NULL DEFAULT 0,
		correctness REAL NOT NULL DEFAULT 0,
		gates_passed TEXT NOT NULL,
		gates_failed TEXT NOT NULL,
		origin TEXT NOT NULL,
		synthetic_confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (dataset_id, artifact_id)
	)`,

	`CREATE TABLE IF NOT EXISTS offline_replays (
		id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		policy_id TEXT NOT NULL REFERENCES policies(id),
		seeds TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','timeout')),
		crl_avg REAL,
		crl_std REAL,
		terms_avg TEXT,
		stability REAL,
		tasks_replayed INTEGER NOT NULL DEFAULT 0,
		duration REAL,
		cost REAL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		seed_results TEXT,
		error TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS shadow_deployments (
		id TEXT PRIMARY KEY,
		doer TEXT NOT NULL,
		candidate_policy_id TEXT NOT NULL REFERENCES policies(id),
		control_policy_id TEXT NOT NULL REFERENCES policies(id),
		allocation_pct REAL NOT NULL,
		mode TEXT NOT NULL CHECK (mode IN ('shadow','canary')),
		min_jobs INTEGER NOT NULL,
		max_duration_hours REAL NOT NULL,
		auto_promote INTEGER NOT NULL DEFAULT 0,
		safety_thresholds TEXT,
		status TEXT NOT NULL CHECK (status IN ('active','promoted','rolled_back')),
		promoted_at TEXT,
		rolled_back_at TEXT,
		rollback_reason TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_routings (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL REFERENCES shadow_deployments(id),
		task_id TEXT NOT NULL,
		route TEXT NOT NULL CHECK (route IN ('control','candidate')),
		timestamp TEXT NOT NULL,
		UNIQUE (deployment_id, task_id)
	)`,

	`CREATE TABLE IF NOT EXISTS skill_cards (
		doer TEXT PRIMARY KEY,
		strengths TEXT NOT NULL,
		weaknesses TEXT NOT NULL,
		best_models TEXT NOT NULL,
		failure_modes TEXT NOT NULL,
		loss_delta_7d REAL NOT NULL DEFAULT 0,
		loss_delta_30d REAL NOT NULL DEFAULT 0,
		experiments TEXT NOT NULL,
		current_policy TEXT,
		last_updated TEXT NOT NULL
	)`,
}

//nolint:gochecknoglobals // static DDL
var indices = []string{
	"CREATE INDEX IF NOT EXISTS idx_runs_doer ON runs(doer)",
	"CREATE INDEX IF NOT EXISTS idx_runs_tenant_phase ON runs(tenant_id, phase)",
	"CREATE INDEX IF NOT EXISTS idx_gate_evaluations_run ON gate_evaluations(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_qav_validations_run ON qav_validations(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_task_latencies_run ON task_latencies(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_security_findings_run ON security_findings(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_api_breakages_run ON api_breakages(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_migration_rehearsals_run ON migration_rehearsals(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_rag_citation_reports_run ON rag_citation_reports(run_id)",
	"CREATE INDEX IF NOT EXISTS idx_crl_results_timestamp ON crl_results(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_policies_doer_status ON policies(doer, status)",
	"CREATE INDEX IF NOT EXISTS idx_policy_promotions_policy ON policy_promotions(policy_id)",
	"CREATE INDEX IF NOT EXISTS idx_experiments_doer ON experiments(doer, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status)",
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_dataset_samples_hash ON dataset_samples(input_hash)",
	"CREATE INDEX IF NOT EXISTS idx_offline_replays_status ON offline_replays(status)",
	"CREATE INDEX IF NOT EXISTS idx_shadow_deployments_doer ON shadow_deployments(doer, status)",
	"CREATE INDEX IF NOT EXISTS idx_deployment_routings_deployment ON deployment_routings(deployment_id)",
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
