package main

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/professional-scheduling/internal/config"
	"github.com/hackgods/professional-scheduling/internal/db"
	"github.com/hackgods/professional-scheduling/internal/logging"
	"github.com/hackgods/professional-scheduling/internal/schedule"
)

const (
	professionalCount = 100
	patientCount      = 9000
	// Share of professionals seeded without a policy, so availability
	// queries also hit the not-configured path.
	unconfiguredRatio = 0.1
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var timezones = []string{
	"UTC",
	"America/Sao_Paulo",
	"America/New_York",
	"Europe/Lisbon",
	"Asia/Tokyo",
}

var slotDurations = []int{15, 20, 30, 45, 60}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel).Named("seed")
	defer func() { _ = logger.Sync() }()

	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "seed"})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if _, err := db.Migrate(context.Background(), pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedProfessionals(context.Background(), pool, faker, logger, professionalCount); err != nil {
		logger.Fatal("seed professionals", zap.Error(err))
	}
	if err := seedPatients(context.Background(), pool, faker, logger, patientCount); err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}

	logger.Info("seed complete")
}

// randomPolicy builds a weekday policy with a morning window and, most of
// the time, an afternoon one. Some professionals also work Saturday mornings.
func randomPolicy(faker *gofakeit.Faker) schedule.Policy {
	policy := schedule.Policy{
		DurationMinutes: slotDurations[faker.Number(0, len(slotDurations)-1)],
		Timezone:        timezones[faker.Number(0, len(timezones)-1)],
	}

	morningStart := schedule.TimeOfDay(faker.Number(7, 9) * 60)
	afternoonStart := schedule.TimeOfDay(faker.Number(13, 14) * 60)
	for day := time.Monday; day <= time.Friday; day++ {
		policy.Windows = append(policy.Windows, schedule.WeeklyWindow{
			Weekday: day,
			Start:   morningStart,
			End:     12 * 60,
		})
		if faker.Float64Range(0, 1) < 0.8 {
			policy.Windows = append(policy.Windows, schedule.WeeklyWindow{
				Weekday: day,
				Start:   afternoonStart,
				End:     afternoonStart + 4*60,
			})
		}
	}
	if faker.Bool() {
		policy.Windows = append(policy.Windows, schedule.WeeklyWindow{
			Weekday: time.Saturday,
			Start:   9 * 60,
			End:     13 * 60,
		})
	}
	return policy
}

func seedProfessionals(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, logger *zap.Logger, count int) error {
	logger.Info("seeding professionals", zap.Int("count", count))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	configured := 0
	for i := 0; i < count; i++ {
		professionalID := uuid.New()
		specialty := specialties[faker.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO professionals (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, professionalID, faker.Name(), specialty)
		if err != nil {
			return err
		}

		scheduleID := uuid.New()
		if faker.Float64Range(0, 1) < unconfiguredRatio {
			_, err = tx.Exec(ctx, `
				INSERT INTO professional_schedules (id, professional_id, created_at, updated_at)
				VALUES ($1, $2, now(), now())
			`, scheduleID, professionalID)
			if err != nil {
				return err
			}
			continue
		}

		policy := randomPolicy(faker)
		if err := policy.Validate(); err != nil {
			return err
		}
		if err := insertPolicy(ctx, tx, scheduleID, professionalID, policy); err != nil {
			return err
		}
		configured++
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info("professionals seeded", zap.Int("with_policy", configured))
	return nil
}

func insertPolicy(ctx context.Context, tx pgx.Tx, scheduleID, professionalID uuid.UUID, policy schedule.Policy) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO professional_schedules (id, professional_id, slot_duration_minutes, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, scheduleID, professionalID, int32(policy.DurationMinutes), policy.Timezone)
	if err != nil {
		return err
	}

	for _, w := range policy.Windows {
		_, err := tx.Exec(ctx, `
			INSERT INTO weekly_windows (schedule_id, weekday, start_minute, end_minute)
			VALUES ($1, $2, $3, $4)
		`, scheduleID, int16(w.Weekday), int16(w.Start), int16(w.End))
		if err != nil {
			return err
		}
	}
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, logger *zap.Logger, count int) error {
	logger.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			batch.Queue(`
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), faker.Name(), faker.Email())
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		logger.Debug("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	logger.Info("patients seeded")
	return nil
}
