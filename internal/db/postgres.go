package db

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/types"
	"github.com/spicetrace/spicetrace-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	log.Info("Loading environment variables...")
	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "spicetrace", log)
	log.Debug("Environment variables loaded")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.User{},
		&types.UserToken{},
		&types.Product{},
		&types.TraceRecord{},
		&types.ChainSubmission{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for postgres tables...")
	if err := s.db.Exec(`
		ALTER TABLE "user_token" DROP CONSTRAINT IF EXISTS "fk_user_token_user_id"
	`).Error; err != nil {
		return fmt.Errorf("failed to reset fk_user_token_user_id: %w", err)
	}
	if err := s.db.Exec(`
		ALTER TABLE "user_token"
		ADD CONSTRAINT "fk_user_token_user_id"
		FOREIGN KEY ("user_id")
		REFERENCES "user"("id")
		ON DELETE CASCADE
	`).Error; err != nil {
		return fmt.Errorf("failed to add fk_user_token_user_id: %w", err)
	}
	return nil
}

// SeedDemoUsers creates one account per role so a fresh install can exercise
// the full lifecycle. Existing emails are left untouched.
func (s *PostgresService) SeedDemoUsers(ctx context.Context) error {
	demo := []types.User{
		{Email: "producer@spicetrace.dev", Role: types.RoleProducer},
		{Email: "seller@spicetrace.dev", Role: types.RoleSeller},
		{Email: "consumer@spicetrace.dev", Role: types.RoleConsumer},
		{Email: "admin@spicetrace.dev", Role: types.RoleAdmin},
	}
	for i := range demo {
		user := &demo[i]
		user.Password = "password"
		if err := utils.HashPassword(ctx, s.log, user); err != nil {
			return err
		}
		result := s.db.WithContext(ctx).
			Where(types.User{Email: user.Email}).
			FirstOrCreate(user)
		if result.Error != nil {
			return fmt.Errorf("failed to seed user %s: %w", user.Email, result.Error)
		}
		if result.RowsAffected > 0 {
			s.log.Info("Seeded demo user", "role", user.Role)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
