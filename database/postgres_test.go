package database_test

import (
	"testing"

	"github.com/ossobv/osso-djuty-sub000/database"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := database.PostgresConfig{User: "payments", Password: "secret", DBName: "payments"}
	assert.Equal(t,
		"host=localhost user=payments password=secret dbname=payments port=5432 sslmode=disable TimeZone=UTC",
		cfg.DSN(),
	)

	cfg.Host, cfg.Port, cfg.SSLMode = "db", "6432", "require"
	assert.Contains(t, cfg.DSN(), "host=db ")
	assert.Contains(t, cfg.DSN(), "port=6432 ")
	assert.Contains(t, cfg.DSN(), "sslmode=require ")
}

func TestConnectPostgres_RequiresSettings(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, err := database.ConnectPostgres(database.PostgresConfig{DBName: "payments"}, logger)
	assert.ErrorContains(t, err, "POSTGRES_USER")

	_, err = database.ConnectPostgres(database.PostgresConfig{User: "payments"}, logger)
	assert.ErrorContains(t, err, "POSTGRES_DB")

	assert.NoError(t, database.ClosePostgres(nil))
	assert.NoError(t, database.CloseMongo(nil))
}
