package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	entLogger "accountserver/pkg/logger"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/XSAM/otelsql"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

// ProviderSet 是 data 层对外暴露的依赖注入集合。
var ProviderSet = wire.NewSet(
	NewData,
	wire.Bind(new(biz.Transaction), new(*Data)),

	NewAuthMethodRepo,
	wire.Bind(new(biz.AuthMethodRepo), new(*authMethodRepo)),
	NewUserRepo,
	wire.Bind(new(biz.UserRepo), new(*userRepo)),
	NewFileRepo,
	wire.Bind(new(biz.FileRepo), new(*fileRepo)),
	NewSessionRepo,
	wire.Bind(new(biz.SessionRepo), new(*sessionRepo)),
	NewPendingRequestRepo,
	wire.Bind(new(biz.PendingRequestRepo), new(*pendingRequestRepo)),
	NewAPITokenRepo,
	wire.Bind(new(biz.APITokenRepo), new(*apiTokenRepo)),

	NewOIDCProvider,
	wire.Bind(new(biz.OpenIDProvider), new(*oidcProvider)),
	NewNotifier,
	wire.Bind(new(biz.AuthEventNotifier), new(*notifier)),
)

// sqlite 驱动名（modernc.org/sqlite 注册）
const driverName = "sqlite"

// Data 持有唯一的 sqlite 连接；所有写操作串行执行。
type Data struct {
	log  *log.Helper
	db   *sql.DB
	drv  dialect.Driver
	conf *conf.Data
}

// SQLDB 返回底层 DB，用于健康检查。
func (d *Data) SQLDB() *sql.DB {
	return d.db
}

func dsn(path string) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

// NewData 由 wire 调用，用来统一管理资源和 cleanup。
func NewData(c *conf.Data, logger log.Logger) (*Data, func(), error) {
	l := log.NewHelper(log.With(logger, "logger.name", "data"))

	if c == nil || c.Database == nil || c.Database.Path == "" {
		return nil, nil, errors.New("data: database.path is required")
	}

	l.Infof("init sqlite(otelsql) start path=%s", c.Database.Path)
	if dir := filepath.Dir(c.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("data: create database dir: %w", err)
		}
	}
	db, err := otelsql.Open(
		driverName,
		dsn(c.Database.Path),
		otelsql.WithSpanOptions(otelsql.SpanOptions{
			OmitConnResetSession: true,
			OmitConnPrepare:      true,
			OmitConnQuery:        false,
			OmitRows:             true,
			OmitConnectorConnect: true,
		}),
		otelsql.WithAttributesGetter(func(
			ctx context.Context,
			method otelsql.Method,
			query string,
			args []driver.NamedValue,
		) []attribute.KeyValue {
			// 参数里有 bcrypt hash / token，不写入 span
			return []attribute.KeyValue{
				attribute.String("db.statement", query),
				attribute.Int("db.sql.args", len(args)),
			}
		}),
	)
	if err != nil {
		l.Errorf("failed to open sqlite: %v", err)
		return nil, nil, err
	}
	// 单写者：事务与普通语句共用一条连接
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForDBReady(ctx, db, 200*time.Millisecond, l); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	var drv dialect.Driver = entsql.OpenDB(dialect.SQLite, db)
	if c.Database.Debug {
		drv = dialect.Debug(drv, entLogger.NewEntLogger(logger))
	}

	d := &Data{
		log:  l,
		db:   db,
		drv:  drv,
		conf: c,
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		l.Errorf("migrate failed: %v", err)
		return nil, nil, err
	}
	l.Info("init sqlite(otelsql) done")

	cleanup := func() {
		if err := drv.Close(); err != nil {
			l.Errorf("close sqlite failed: %v", err)
		}
	}
	return d, cleanup, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// waitForDBReady 在 ctx 超时前反复 ping，数据文件被其他进程锁住时会短暂失败。
func waitForDBReady(ctx context.Context, p pinger, interval time.Duration, l *log.Helper) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = p.PingContext(ctx); lastErr == nil {
			return nil
		}
		l.Warnf("database ping failed attempt=%d err=%v", attempt, lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("database not ready before timeout: %w", lastErr)
		case <-time.After(interval):
		}
	}
}

// ======================
// 事务
// ======================

type txKey struct{}

// InTx 实现 biz.Transaction：fn 出错或 panic 时回滚；ctx 里已有事务则直接加入。
func (d *Data) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(dialect.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("starting a transaction: %w", err)
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// querier 优先使用 ctx 里的事务
func (d *Data) querier(ctx context.Context) dialect.ExecQuerier {
	if tx, ok := ctx.Value(txKey{}).(dialect.Tx); ok {
		return tx
	}
	return d.drv
}

// ======================
// 基础查询
// ======================

type scanner interface {
	Scan(dest ...any) error
}

// first 读取第一行到 dest，没有结果返回 false。
func (d *Data) first(ctx context.Context, query string, args []any, dest ...any) (bool, error) {
	rows := &entsql.Rows{}
	if err := d.querier(ctx).Query(ctx, query, args, rows); err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	if err := rows.Scan(dest...); err != nil {
		return false, err
	}
	return true, nil
}

// all 对每一行调用 scan。
func (d *Data) all(ctx context.Context, query string, args []any, scan func(s scanner) error) error {
	rows := &entsql.Rows{}
	if err := d.querier(ctx).Query(ctx, query, args, rows); err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// mutate 执行写语句并返回影响行数。
func (d *Data) mutate(ctx context.Context, query string, args ...any) (int64, error) {
	if args == nil {
		args = []any{}
	}
	var res sql.Result
	if err := d.querier(ctx).Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// queryOne 读取一行并用 scan 转换，没有结果返回 biz.ErrNotFound。
func queryOne[T any](ctx context.Context, d *Data, query string, args []any, scan func(s scanner) (*T, error)) (*T, error) {
	var out *T
	err := d.all(ctx, query, args, func(s scanner) error {
		if out != nil {
			return nil
		}
		var err error
		out, err = scan(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, biz.ErrNotFound
	}
	return out, nil
}

func (d *Data) count(ctx context.Context, query string, args ...any) (int, error) {
	if args == nil {
		args = []any{}
	}
	var n int
	if _, err := d.first(ctx, query, args, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringArgs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
