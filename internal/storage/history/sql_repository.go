package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "YieldHarvester-Agent/internal/errors"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLConfig 描述 SQL 历史库的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLRepository 使用 MySQL 或 SQLite 存储周期历史。
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

// OpenSQL 建立连接池并执行内嵌的迁移脚本。
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLRepository, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的历史存储驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "历史存储 DSN 不能为空")
	}

	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开历史数据库失败")
	}

	if dialect == DialectSQLite {
		// SQLite 单写者；:memory: 数据库也只存在于单个连接中。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		applyPoolSettings(db, cfg)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接历史数据库")
	}

	repo := &SQLRepository{db: db, dialect: dialect}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行历史库迁移失败")
	}
	return repo, nil
}

func applyPoolSettings(db *sql.DB, cfg SQLConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

// Save 将记录写入 cycle_history。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	const stmt = `INSERT INTO cycle_history
        (cycle_id, kind, strategy_id, user_address, asset, old_apr, new_apr, source, status, tx_hash, detail, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.CycleID,
		string(record.Kind),
		int64(record.StrategyID),
		record.User,
		record.Asset,
		record.OldAPR,
		record.NewAPR,
		record.Source,
		record.Status,
		record.TxHash,
		record.Detail,
		record.Error,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史记录失败")
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, cycle_id, kind, strategy_id, user_address, asset, old_apr, new_apr,
        source, status, tx_hash, detail, error, created_at
        FROM cycle_history ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record     Record
			kind       string
			strategyID int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.CycleID,
			&kind,
			&strategyID,
			&record.User,
			&record.Asset,
			&record.OldAPR,
			&record.NewAPR,
			&record.Source,
			&record.Status,
			&record.TxHash,
			&record.Detail,
			&record.Error,
			&record.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史记录失败")
		}
		record.Kind = Kind(kind)
		record.StrategyID = uint64(strategyID)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历历史记录失败")
	}
	return records, nil
}

// Prune 删除早于 cutoff 的记录，返回删除的行数。
func (s *SQLRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cycle_history WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理历史记录失败")
	}
	return result.RowsAffected()
}

// Close 释放连接池。
func (s *SQLRepository) Close() error {
	return s.db.Close()
}
