package config

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "postgres" driver used by sql.Open below.
	_ "github.com/lib/pq"
)

// PostgresQuery is the relational-store-backed Query implementation,
// grounded on the repository pattern in frameworks/api_balancing's
// internal/control/repos.go: plain database/sql, $N placeholders, one
// query per method, sql.ErrNoRows translated to a typed error.
type PostgresQuery struct {
	db *sql.DB
}

// OpenPostgresQuery opens a Postgres connection pool and wraps it as a Query.
func OpenPostgresQuery(dsn string) (*PostgresQuery, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, NewConfigError("postgres_dsn", err.Error())
	}
	if err := db.Ping(); err != nil {
		return nil, NewConfigError("postgres_dsn", fmt.Sprintf("unreachable: %v", err))
	}
	return &PostgresQuery{db: db}, nil
}

// NewPostgresQuery wraps an already-open *sql.DB, primarily for testing
// against github.com/DATA-DOG/go-sqlmock.
func NewPostgresQuery(db *sql.DB) *PostgresQuery {
	return &PostgresQuery{db: db}
}

func (q *PostgresQuery) Close() error { return q.db.Close() }

func (q *PostgresQuery) Device(ctx context.Context, id DeviceID) (*Device, error) {
	var d Device
	d.ID = id
	err := q.db.QueryRowContext(ctx,
		`SELECT client_cert_pem, cloud_token FROM devices WHERE id = $1`, string(id),
	).Scan(&d.ClientCertPEM, &d.CloudToken)
	if err == sql.ErrNoRows {
		return nil, &ErrDeviceUnknown{Device: id}
	}
	if err != nil {
		return nil, err
	}

	sources, err := q.Sources(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Sources = sources
	return &d, nil
}

func (q *PostgresQuery) Sources(ctx context.Context, id DeviceID) ([]Source, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, uri, rtsp_user, rtsp_password, cloud_max_bytes FROM sources WHERE device_id = $1 ORDER BY ord ASC`,
		string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		var sid string
		if err := rows.Scan(&sid, &s.URI, &s.User, &s.Password, &s.CloudMaxBytes); err != nil {
			return nil, err
		}
		s.ID = SourceID(sid)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *PostgresQuery) User(ctx context.Context, name UserName) (*User, error) {
	var u User
	u.Name = name
	var algo int
	err := q.db.QueryRowContext(ctx,
		`SELECT algo, salt, expected_hash FROM users WHERE name = $1`, string(name),
	).Scan(&algo, &u.Salt, &u.ExpectedHash)
	if err == sql.ErrNoRows {
		return nil, &ErrUserUnknown{User: name}
	}
	if err != nil {
		return nil, err
	}
	u.Algo = PasswordAlgo(algo)

	rows, err := q.db.QueryContext(ctx,
		`SELECT device_id, source_id FROM user_sources WHERE user_name = $1`, string(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	u.Allowed = make(map[SourceKey]struct{})
	for rows.Next() {
		var dev, src string
		if err := rows.Scan(&dev, &src); err != nil {
			return nil, err
		}
		u.Allowed[SourceKey{Device: DeviceID(dev), Source: SourceID(src)}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *PostgresQuery) Authorized(ctx context.Context, name UserName, device DeviceID, source SourceID) (bool, error) {
	u, err := q.User(ctx, name)
	if err != nil {
		return false, err
	}
	return u.CanPlay(device, source), nil
}

func (q *PostgresQuery) ServerEndpoint(ctx context.Context) (string, error) {
	var endpoint string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = 'endpoint'`).Scan(&endpoint)
	if err == sql.ErrNoRows {
		return "", NewConfigError("endpoint", "not configured")
	}
	return endpoint, err
}

func (q *PostgresQuery) ServerTLS(ctx context.Context) (*ServerTLS, error) {
	var t ServerTLS
	err := q.db.QueryRowContext(ctx,
		`SELECT cert_pem, key_pem FROM server_tls ORDER BY created_at DESC LIMIT 1`,
	).Scan(&t.CertPEM, &t.KeyPEM)
	if err == sql.ErrNoRows {
		return nil, NewConfigError("server_tls", "no certificate on record")
	}
	return &t, err
}

func (q *PostgresQuery) TrustedClientCerts(ctx context.Context) ([][]byte, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT client_cert_pem FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var pem []byte
		if err := rows.Scan(&pem); err != nil {
			return nil, err
		}
		out = append(out, pem)
	}
	return out, rows.Err()
}
