// Package store provides the vehicles.Store adapters: Postgres through gorm
// and an in-memory store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type vehicleModel struct {
	ChassisNumber  string   `gorm:"column:chassis_number;primaryKey"`
	Model          string   `gorm:"column:model"`
	Color          string   `gorm:"column:color"`
	ProductionYear string   `gorm:"column:production_year"`
	Country        string   `gorm:"column:country"`
	Features       []string `gorm:"column:features;serializer:json"`
	CustomerID     string   `gorm:"column:customer_id;index"`
	CustomerName   string   `gorm:"column:customer_name"`
	UpdatedAt      time.Time
}

func (vehicleModel) TableName() string {
	return "vehicles"
}

func vehicleModelFromContract(v contracts.Vehicle) vehicleModel {
	return vehicleModel{
		ChassisNumber:  v.ChassisNumber,
		Model:          v.Model,
		Color:          v.Color,
		ProductionYear: v.ProductionYear,
		Country:        v.Country,
		Features:       v.Features,
		CustomerID:     v.CustomerID,
		CustomerName:   v.CustomerName,
	}
}

func (m vehicleModel) toContract() contracts.Vehicle {
	return contracts.Vehicle{
		ChassisNumber:  m.ChassisNumber,
		Model:          m.Model,
		Color:          m.Color,
		ProductionYear: m.ProductionYear,
		Country:        m.Country,
		Features:       m.Features,
		CustomerID:     m.CustomerID,
		CustomerName:   m.CustomerName,
	}
}

// Connect opens dsn and checks the database answers
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Postgres is a vehicles.Store on a gorm connection
type Postgres struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgres wraps db
func NewPostgres(db *gorm.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate creates the vehicles table when missing
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&vehicleModel{})
}

// Add inserts the vehicle; a redelivered event overwrites the stored row
func (p *Postgres) Add(ctx context.Context, vehicle contracts.Vehicle) error {
	row := vehicleModelFromContract(vehicle)
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chassis_number"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		p.logger.Error("vehicle insert failed", logattr.ChassisNumber(vehicle.ChassisNumber), logattr.Error(err))
		return fmt.Errorf("insert vehicle: %w", err)
	}
	return nil
}

// Query returns the vehicles owned by filter.CustomerID
func (p *Postgres) Query(ctx context.Context, filter contracts.VehicleFilter) ([]contracts.Vehicle, error) {
	var rows []vehicleModel
	err := p.db.WithContext(ctx).
		Where("customer_id = ?", filter.CustomerID).
		Order("chassis_number").
		Find(&rows).
		Error
	if err != nil {
		p.logger.Error("vehicle query failed", logattr.CustomerID(filter.CustomerID), logattr.Error(err))
		return nil, fmt.Errorf("query vehicles: %w", err)
	}

	out := make([]contracts.Vehicle, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toContract())
	}
	return out, nil
}

// Ping checks the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying pool
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
