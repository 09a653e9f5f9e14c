package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_competition_tables.sql
var createCompetitionTablesSQL string

var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(createCompetitionTablesSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`
				DROP TABLE IF EXISTS participant_answers;
				DROP TABLE IF EXISTS answer_options;
				DROP TABLE IF EXISTS questions;
				DROP TABLE IF EXISTS participants;
				DROP TABLE IF EXISTS competitions;
			`)
			return err
		},
	)
}
