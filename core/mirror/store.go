package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/Pindano/chamagov/core/types"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver string
	DSN    string
}

// Store is the relational mirror. All ledger-derived writes go through
// UPSERT or compare-and-set statements so concurrent reconcilers converge.
type Store struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

func Open(cfg Config, logger logrus.FieldLogger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported mirror driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if cfg.Driver != DriverPostgres {
		// sqlite allows a single writer; serialize on one connection instead
		// of surfacing SQLITE_BUSY to reconcilers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	for _, model := range MigrateModels {
		logger.Debugf("migrating table: %T", model)
		if err := db.AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a Store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

func notFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.KindNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) CreateChama(ctx context.Context, c *Chama) error {
	if c.Status == "" {
		c.Status = types.ChamaDraft
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) GetChama(ctx context.Context, id string) (*Chama, error) {
	var c Chama
	if err := s.db.WithContext(ctx).First(&c, "chama_id = ?", id).Error; err != nil {
		return nil, notFound("get chama", err)
	}
	return &c, nil
}

// PublishChama sets the ledger addresses of a draft chama. Addresses are set
// exactly once; republishing with the same addresses is a no-op.
func (s *Store) PublishChama(ctx context.Context, id, governor, token string) error {
	res := s.db.WithContext(ctx).Model(&Chama{}).
		Where("chama_id = ? AND status = ? AND governor_address = ''", id, types.ChamaDraft).
		Updates(map[string]any{
			"governor_address": governor,
			"token_address":    token,
			"status":           types.ChamaPublished,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	c, err := s.GetChama(ctx, id)
	if err != nil {
		return err
	}
	if c.GovernorAddress == governor && c.TokenAddress == token {
		return nil
	}
	return types.NewError(types.KindConflictingWrite, "publish chama",
		fmt.Errorf("chama %s already published with governor %s", id, c.GovernorAddress))
}

func (s *Store) PublishedChamas(ctx context.Context) ([]Chama, error) {
	var chamas []Chama
	if err := s.db.WithContext(ctx).Where("status = ?", types.ChamaPublished).Find(&chamas).Error; err != nil {
		return nil, err
	}
	return chamas, nil
}

func (s *Store) ChamaByGovernor(ctx context.Context, governor string) (*Chama, error) {
	var c Chama
	if err := s.db.WithContext(ctx).First(&c, "LOWER(governor_address) = LOWER(?)", governor).Error; err != nil {
		return nil, notFound("chama by governor", err)
	}
	return &c, nil
}

func (s *Store) AddMember(ctx context.Context, m *Member) error {
	if m.Role == "" {
		m.Role = types.RoleMember
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) GetMember(ctx context.Context, id string) (*Member, error) {
	var m Member
	if err := s.db.WithContext(ctx).First(&m, "user_id = ?", id).Error; err != nil {
		return nil, notFound("get member", err)
	}
	return &m, nil
}

// MemberByWallet matches wallet addresses case-insensitively; checksummed and
// lower-case forms both occur in the mirror.
func (s *Store) MemberByWallet(ctx context.Context, chamaID, wallet string) (*Member, error) {
	var m Member
	err := s.db.WithContext(ctx).
		Where("chama_id = ? AND LOWER(wallet_address) = LOWER(?)", chamaID, wallet).
		First(&m).Error
	if err != nil {
		return nil, notFound("member by wallet", err)
	}
	return &m, nil
}
