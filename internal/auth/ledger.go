package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/postalsys/trojan-relay/internal/config"
)

// ledgerTLSName is the name the ledger TLS settings are registered under
// with the MySQL driver.
const ledgerTLSName = "trojan-ledger"

// Account is one row of the usage ledger. A negative quota means unlimited.
type Account struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"size:64"`
	Password string `gorm:"type:char(56);uniqueIndex;not null"`
	Quota    int64  `gorm:"not null"`
	Download uint64 `gorm:"not null;default:0"`
	Upload   uint64 `gorm:"not null;default:0"`
}

// TableName keeps the table name used by existing trojan databases.
func (Account) TableName() string {
	return "users"
}

// Ledger is an Authenticator backed by a SQL usage ledger. A digest is
// accepted while its account has quota left.
type Ledger struct {
	db *gorm.DB
}

// NewLedger wraps an open database handle.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// OpenLedger connects to the MySQL ledger described by cfg.
func OpenLedger(cfg config.MySQLConfig) (*Ledger, error) {
	dsn := mysqldriver.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.ServerAddr, strconv.Itoa(int(cfg.ServerPort)))
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Timeout = 10 * time.Second

	if cfg.CA != "" || cfg.Cert != "" {
		tlsConfig, err := ledgerTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := mysqldriver.RegisterTLSConfig(ledgerTLSName, tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to register ledger TLS config: %w", err)
		}
		dsn.TLSConfig = ledgerTLSName
	}

	db, err := gorm.Open(mysql.Open(dsn.FormatDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	return NewLedger(db), nil
}

func ledgerTLSConfig(cfg config.MySQLConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.ServerAddr,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CA != "" {
		pem, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read mysql.ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse mysql.ca")
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load mysql client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Migrate creates or updates the users table.
func (l *Ledger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&Account{})
}

// AddAccount inserts an account for password. A negative quota is unlimited.
func (l *Ledger) AddAccount(ctx context.Context, username, password string, quota int64) error {
	acct := Account{Username: username, Password: Digest(password), Quota: quota}
	if err := l.db.WithContext(ctx).Create(&acct).Error; err != nil {
		return fmt.Errorf("failed to add account %s: %w", username, err)
	}
	return nil
}

// Account returns the ledger row for digest.
func (l *Ledger) Account(ctx context.Context, digest string) (Account, error) {
	var acct Account
	err := l.db.WithContext(ctx).Where("password = ?", digest).Take(&acct).Error
	return acct, err
}

// Authenticate accepts digest when its account exists and has quota left.
func (l *Ledger) Authenticate(ctx context.Context, digest string) (bool, error) {
	var acct Account
	err := l.db.WithContext(ctx).
		Select("quota", "download", "upload").
		Where("password = ?", digest).
		Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup failed: %w", err)
	}

	if acct.Quota < 0 {
		return true, nil
	}
	return acct.Download+acct.Upload < uint64(acct.Quota), nil
}

// RecordUsage adds traffic to the account in a single UPDATE.
func (l *Ledger) RecordUsage(ctx context.Context, digest string, upload, download uint64) error {
	err := l.db.WithContext(ctx).
		Model(&Account{}).
		Where("password = ?", digest).
		UpdateColumns(map[string]any{
			"download": gorm.Expr("download + ?", download),
			"upload":   gorm.Expr("upload + ?", upload),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Reload checks that the database is reachable. Accounts are read on every
// Authenticate call, so there is nothing to refetch.
func (l *Ledger) Reload(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database handle.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
