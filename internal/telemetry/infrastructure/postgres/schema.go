package postgres

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

const defaultSchema = "iot"

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validSchemaName(name string) bool {
	return identPattern.MatchString(name)
}

func qualified(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// schemaStatements returns the idempotent DDL for the ingest namespace.
// Each statement runs separately so a failure names the object involved.
func schemaStatements(schema string) []string {
	telemetryTable := qualified(schema, "telemetry")
	alarmsTable := qualified(schema, "alarms")
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            BIGSERIAL PRIMARY KEY,
	device_id     TEXT          NOT NULL,
	ts            TIMESTAMPTZ   NOT NULL DEFAULT now(),
	temperature_c NUMERIC(6,2),
	smoke_ppm     NUMERIC(10,2),
	gas_ppm       NUMERIC(10,2),
	alarm         BOOLEAN       NOT NULL DEFAULT false
)`, telemetryTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON %s (device_id, ts DESC)`, telemetryTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id        BIGSERIAL PRIMARY KEY,
	device_id TEXT          NOT NULL,
	ts        TIMESTAMPTZ   NOT NULL DEFAULT now(),
	type      TEXT          NOT NULL,
	metric    TEXT          NOT NULL,
	value     NUMERIC(10,2) NOT NULL,
	threshold NUMERIC(10,2) NOT NULL,
	severity  TEXT          NOT NULL
)`, alarmsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_alarms_device_ts ON %s (device_id, ts DESC)`, alarmsTable),
	}
}

func insertTelemetrySQL(schema string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	ts,
	temperature_c,
	smoke_ppm,
	gas_ppm,
	alarm
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, qualified(schema, "telemetry"))
}

func insertAlarmSQL(schema string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	ts,
	type,
	metric,
	value,
	threshold,
	severity
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, qualified(schema, "alarms"))
}
