package coderunner

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// Go driver names registered by the imports above
const (
	driverSQLServer = "sqlserver"
	driverPostgres  = "pgx"
	driverMySQL     = "mysql"
	driverSQLite    = "sqlite"
)

// goDriver maps the configured driver string, e.g. "{ODBC Driver 17 for SQL Server}", to a Go driver
func (c SQLConfig) goDriver() string {
	d := strings.ToLower(c.Driver)
	switch {
	case strings.Contains(d, "postgres"), strings.Contains(d, "pgx"):
		return driverPostgres
	case strings.Contains(d, "mysql"), strings.Contains(d, "mariadb"):
		return driverMySQL
	case strings.Contains(d, "sqlite"):
		return driverSQLite
	default:
		return driverSQLServer
	}
}

// dataSource returns the Go driver name and its DSN
func (c SQLConfig) dataSource() (string, string, error) {
	driver := c.goDriver()
	if c.Database == "" {
		return "", "", fmt.Errorf("missing %s", types.EnvSQLDatabase)
	}
	if driver == driverSQLite {
		return driver, c.Database, nil
	}
	if c.Server == "" {
		return "", "", fmt.Errorf("missing %s", types.EnvSQLServer)
	}
	if c.Username == "" {
		return "", "", fmt.Errorf("missing %s", types.EnvSQLUsername)
	}

	switch driver {
	case driverPostgres:
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.Username, c.Password),
			Host:   c.Server,
			Path:   "/" + c.Database,
		}
		return driver, u.String(), nil
	case driverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = c.Username
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = c.Server
		cfg.DBName = c.Database
		return driver, cfg.FormatDSN(), nil
	default:
		// Azure style "tcp:host,1433"
		host := strings.TrimPrefix(c.Server, "tcp:")
		host = strings.Replace(host, ",", ":", 1)
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     host,
			RawQuery: url.Values{"database": {c.Database}}.Encode(),
		}
		return driver, u.String(), nil
	}
}

// dbPool opens the database on first use and keeps the handle
type dbPool struct {
	cfg SQLConfig
	mu  sync.Mutex
	db  *sql.DB
}

func newDBPool(cfg SQLConfig) *dbPool {
	return &dbPool{cfg: cfg}
}

func (p *dbPool) get(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	driver, dsn, err := p.cfg.dataSource()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	klog.Infof("connected to %s database %s", driver, p.cfg.Database)
	p.db = db
	return db, nil
}

func (p *dbPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
}

// SQLHandler executes one statement against the configured database
func (s *Server) SQLHandler(c *gin.Context) {
	var req types.StatementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResult(err.Error()))
		return
	}

	ctx := c.Request.Context()
	db, err := s.db.get(ctx)
	if err != nil {
		klog.Errorf("database connection failed: %v", err)
		c.JSON(http.StatusBadRequest, errorResult(fmt.Sprintf("Database connection failed: %v", err)))
		return
	}

	if isSelect(req.SQL) {
		rows, err := querySelect(ctx, db, req.SQL)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResult(err.Error()))
			return
		}
		// rows must be present even when empty
		c.JSON(http.StatusOK, gin.H{"type": types.SQLResultSelect, "rows": rows})
		return
	}

	result, err := execCommand(ctx, db, req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResult(err.Error()))
		return
	}
	c.JSON(http.StatusOK, result)
}

func isSelect(stmt string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(stmt)), "select")
}

func querySelect(ctx context.Context, db *sql.DB, stmt string) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row, err := encodeRow(columns, values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func execCommand(ctx context.Context, db *sql.DB, stmt string) (*types.SQLResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	msg := fmt.Sprintf("%d rows affected", affected)
	return &types.SQLResult{Type: types.SQLResultCommand, Message: &msg}, nil
}

// encodeRow writes one row as a JSON object with keys in column order
func encodeRow(columns []string, values []interface{}) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
