package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/domain"
)

// uniqueViolation PostgreSQL 唯一约束冲突错误码
const uniqueViolation = "23505"

// schema 启动时执行，表已存在时不做修改。
// 运行上下文整体存为 JSONB，state 与时间列单独冗余以便过滤和排序。
const schema = `
CREATE TABLE IF NOT EXISTS triage_runs (
	id             TEXT PRIMARY KEY,
	parent_run_id  TEXT,
	state          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	awaiting_since TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_runs_state ON triage_runs (state, updated_at);
CREATE INDEX IF NOT EXISTS idx_triage_runs_created ON triage_runs (created_at DESC);
`

// PostgresStore 基于 PostgreSQL 的运行存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 连接数据库并初始化表结构。
//
// 参数：
//   - cfg: PostgreSQL 连接配置
//
// 返回：
//   - *PostgresStore: 可用的存储实例
//   - error: 连接失败时包装 domain.ErrStorageConnection
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Ping 检查数据库连通性，供就绪探针使用
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateRun 插入新运行
func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.RunContext) error {
	payload, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_runs (id, parent_run_id, state, payload, awaiting_since, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, nullString(run.ParentRunID), string(run.State), payload,
		nullTime(run.AwaitingSince), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrRunExists, run.ID)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun 按 ID 读取运行
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*domain.RunContext, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM triage_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return decodeRun(payload)
}

// UpdateRun 覆盖已有运行
func (s *PostgresStore) UpdateRun(ctx context.Context, run *domain.RunContext) error {
	payload, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE triage_runs
		SET state = $2, payload = $3, awaiting_since = $4, updated_at = $5
		WHERE id = $1`,
		run.ID, string(run.State), payload, nullTime(run.AwaitingSince), run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// ListRuns 按创建时间倒序分页查询
func (s *PostgresStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RunContext, int, error) {
	where := ` WHERE ($1 = '' OR state = $1) AND ($2::timestamptz IS NULL OR awaiting_since < $2)`
	args := []interface{}{string(filter.State), nullTime(filter.AwaitingBefore)}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triage_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `SELECT payload FROM triage_runs` + where + ` ORDER BY created_at DESC, id ASC OFFSET $3`
	args = append(args, max(filter.Offset, 0))
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListResumableRuns 按更新时间正序返回非终态运行
func (s *PostgresStore) ListResumableRuns(ctx context.Context, limit int) ([]*domain.RunContext, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `
		SELECT payload FROM triage_runs
		WHERE state <> ALL($1)
		ORDER BY updated_at ASC
		LIMIT $2`,
		pq.Array([]string{string(domain.RunStateCompleted), string(domain.RunStateFailed)}), limit,
	)
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*domain.RunContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.RunContext
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// encodeRun 序列化运行。原始文本已由 raw_*_base64 逐字节保留，
// 其余字段中的 \u0000 替换为 U+FFFD，因为 JSONB 拒绝该转义。
func encodeRun(run *domain.RunContext) ([]byte, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run: %w", err)
	}
	return replaceNULEscapes(payload), nil
}

// replaceNULEscapes 改写 JSON 文本中的 \u0000 转义，跳过 \\u0000 这类字面量
func replaceNULEscapes(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u0000`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if bytes.HasPrefix(data[i:], []byte(`\u0000`)) {
			out = append(out, `\ufffd`...)
			i += len(`\u0000`) - 1
			continue
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

func decodeRun(payload []byte) (*domain.RunContext, error) {
	var run domain.RunContext
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
