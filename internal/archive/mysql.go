// Package archive 将核心事件镜像到 MySQL 的只追加表。归档是事件流的
// 订阅者：写入失败只影响归档本身，不影响已提交的核心操作。
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLArchive 把事件逐条插入 event_archive 表。表只追加不更新。
type MySQLArchive struct {
	db *sql.DB
}

// NewMySQLArchive 创建归档实例并初始化表结构。
func NewMySQLArchive(dsn string) (*MySQLArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "无法连接到 MySQL")
	}

	archive := &MySQLArchive{db: db}
	if err := archive.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return archive, nil
}

func (a *MySQLArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS event_archive (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        event_type VARCHAR(64) NOT NULL,
        actor VARCHAR(255) NOT NULL DEFAULT '',
        agent_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
        task_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
        partition_id VARCHAR(128) NOT NULL DEFAULT '',
        amount BIGINT UNSIGNED NOT NULL DEFAULT 0,
        detail TEXT,
        occurred_at BIGINT NOT NULL,
        INDEX idx_event_type (event_type),
        INDEX idx_event_agent (agent_id),
        INDEX idx_event_task (task_id),
        INDEX idx_event_occurred (occurred_at)
)`

	if _, err := a.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "初始化 event_archive 表失败")
	}
	return nil
}

// Name 返回 Sink 名称。
func (a *MySQLArchive) Name() string { return "mysql_archive" }

// Consume 实现 events.Sink，插入一条归档记录。
func (a *MySQLArchive) Consume(ctx context.Context, event events.Event) error {
	detail, err := marshalDetail(event.Detail)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "编码事件附加信息失败")
	}

	const stmt = `INSERT INTO event_archive
        (event_type, actor, agent_id, task_id, partition_id, amount, detail, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	if _, err := a.db.ExecContext(ctx, stmt,
		string(event.Type),
		event.Actor.String(),
		event.AgentID,
		event.TaskID,
		event.Partition,
		event.Amount,
		detail,
		occurredAt.Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorage, err, "归档事件失败")
	}
	return nil
}

// Record 描述一条已归档的事件。
type Record struct {
	ID         uint64            `json:"id"`
	Type       string            `json:"type"`
	Actor      string            `json:"actor"`
	AgentID    uint64            `json:"agent_id"`
	TaskID     uint64            `json:"task_id"`
	Partition  string            `json:"partition"`
	Amount     uint64            `json:"amount"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// Recent 返回最近归档的事件，按发生时间倒序。
func (a *MySQLArchive) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	const query = `SELECT id, event_type, actor, agent_id, task_id, partition_id, amount, detail, occurred_at
        FROM event_archive ORDER BY occurred_at DESC, id DESC LIMIT ?`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "查询归档事件失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, limit)
	for rows.Next() {
		var record Record
		var detail sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.Type,
			&record.Actor,
			&record.AgentID,
			&record.TaskID,
			&record.Partition,
			&record.Amount,
			&detail,
			&record.OccurredAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorage, err, "解析归档记录失败")
		}
		decoded, err := unmarshalDetail(detail)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorage, err, "解析事件附加信息失败")
		}
		record.Detail = decoded
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorage, err, "遍历归档记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (a *MySQLArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func marshalDetail(detail map[string]string) (sql.NullString, error) {
	if len(detail) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalDetail(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var detail map[string]string
	if err := json.Unmarshal([]byte(raw.String), &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

var _ events.Sink = (*MySQLArchive)(nil)
