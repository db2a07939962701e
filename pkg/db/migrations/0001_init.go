package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Session struct {
	MAC              string     `gorm:"column:mac;type:text;primaryKey"`
	Token            string     `gorm:"type:text;uniqueIndex;not null"`
	IP               string     `gorm:"column:ip;type:text;not null;default:'';index"`
	RemainingSeconds int64      `gorm:"type:bigint;not null;default:0;index"`
	TotalPaid        int64      `gorm:"type:bigint;not null;default:0"`
	IsPaused         bool       `gorm:"type:boolean;not null;default:false"`
	Pausable         *bool      `gorm:"type:boolean"`
	DownloadLimit    int64      `gorm:"type:bigint;not null;default:0"`
	UploadLimit      int64      `gorm:"type:bigint;not null;default:0"`
	ExpiredAt        *time.Time `gorm:"type:timestamptz"`
	CreatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Rate struct {
	ID            int64  `gorm:"type:bigserial;primaryKey"`
	Pesos         int64  `gorm:"type:bigint;not null"`
	Minutes       int64  `gorm:"type:bigint;not null"`
	DownloadLimit int64  `gorm:"type:bigint;not null;default:0"`
	UploadLimit   int64  `gorm:"type:bigint;not null;default:0"`
	Pausable      *bool  `gorm:"type:boolean"`
	Label         string `gorm:"type:text"`
}

type Voucher struct {
	Code          string     `gorm:"type:text;primaryKey"`
	Minutes       int64      `gorm:"type:bigint;not null"`
	Pesos         int64      `gorm:"type:bigint;not null;default:0"`
	DownloadLimit int64      `gorm:"type:bigint;not null;default:0"`
	UploadLimit   int64      `gorm:"type:bigint;not null;default:0"`
	Pausable      *bool      `gorm:"type:boolean"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	RedeemedAt    *time.Time `gorm:"type:timestamptz"`
	RedeemedBy    string     `gorm:"type:text"`
}

type Credit struct {
	MAC       string    `gorm:"column:mac;type:text;primaryKey"`
	Pesos     int64     `gorm:"type:bigint;not null;default:0"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Setting struct {
	Key       string         `gorm:"type:text;primaryKey"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Session{},
		&Rate{},
		&Voucher{},
		&Credit{},
		&Setting{},
		&Audit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Setting{},
		&Credit{},
		&Voucher{},
		&Rate{},
		&Session{},
	)
}
