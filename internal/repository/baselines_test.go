package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthfolio-alert/internal/models"
)

func setupMockBaselineDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *BaselineRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewBaselineRepository(db, logger)

	return db, mock, repo
}

func TestUpsertBaseline_Success(t *testing.T) {
	db, mock, repo := setupMockBaselineDB(t)
	defer db.Close()

	baseline := &models.UserBaseline{
		UserID:      uuid.New().String(),
		MetricType:  models.MetricHeartRate,
		Component:   models.ComponentValue,
		Average:     72.5,
		StdDev:      4.1,
		SampleCount: 120,
		LastUpdated: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO user_baselines`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertBaseline(context.Background(), baseline)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBaseline_MissingComponent(t *testing.T) {
	db, _, repo := setupMockBaselineDB(t)
	defer db.Close()

	err := repo.UpsertBaseline(context.Background(), &models.UserBaseline{UserID: "u1"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "component is required")
}

func TestGetBaselines_ByComponent(t *testing.T) {
	db, mock, repo := setupMockBaselineDB(t)
	defer db.Close()

	userID := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"user_id", "metric_type", "component", "average", "stddev", "sample_count", "last_updated",
	}).AddRow(
		userID, "blood_pressure", "systolic", 118.2, 6.5, 200, now,
	).AddRow(
		userID, "blood_pressure", "diastolic", 76.4, 4.2, 200, now,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(userID, "blood_pressure").
		WillReturnRows(rows)

	baselines, err := repo.GetBaselines(context.Background(), userID, models.MetricBloodPressure)

	require.NoError(t, err)
	require.Len(t, baselines, 2)
	assert.InDelta(t, 118.2, baselines[models.ComponentSystolic].Average, 0.001)
	assert.InDelta(t, 76.4, baselines[models.ComponentDiastolic].Average, 0.001)
	assert.Equal(t, 200, baselines[models.ComponentSystolic].SampleCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBaselines_Empty(t *testing.T) {
	db, mock, repo := setupMockBaselineDB(t)
	defer db.Close()

	userID := uuid.New().String()
	mock.ExpectQuery(`SELECT`).
		WithArgs(userID, "heart_rate").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "metric_type", "component", "average", "stddev", "sample_count", "last_updated",
		}))

	baselines, err := repo.GetBaselines(context.Background(), userID, models.MetricHeartRate)

	require.NoError(t, err)
	assert.Empty(t, baselines)

	require.NoError(t, mock.ExpectationsWereMet())
}
