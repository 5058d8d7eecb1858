package db

import (
	"fmt"
	"testing"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/clause"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	g, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(g))

	for _, table := range []any{&model.Run{}, &model.Candidate{}, &model.Evaluation{}, &model.Snapshot{}} {
		assert.True(t, g.Migrator().HasTable(table))
	}
}

func TestEvaluationPairIsUnique(t *testing.T) {
	g, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(g))

	ev := model.Evaluation{RunID: 1, CandidateID: 2, ScenarioID: 3, P: 0.4, R: 0.2}
	require.NoError(t, g.Create(&ev).Error)

	dup := model.Evaluation{RunID: 1, CandidateID: 2, ScenarioID: 3, P: 0.9, R: 0.9}
	res := g.Clauses(clause.OnConflict{DoNothing: true}).Create(&dup)
	require.NoError(t, res.Error)
	assert.Equal(t, int64(0), res.RowsAffected)

	var n int64
	require.NoError(t, g.Model(&model.Evaluation{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
