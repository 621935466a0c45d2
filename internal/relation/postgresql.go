package relation

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PostgreSQL relation keys.
const (
	KeyEndpoints = "endpoints"
	KeyUsername  = "username"
	KeyPassword  = "password"
	KeyDatabase  = "database"
)

// PostgreSQL is the database Superset stores its metadata in.
type PostgreSQL struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// ParsePostgreSQL reads PostgreSQL relation data. Only the first of the
// comma-separated endpoints is used. The resulting URI is checked with the
// pgx connection string parser.
func ParsePostgreSQL(data map[string]string) (*PostgreSQL, error) {
	if err := require(data, KeyEndpoints, KeyUsername, KeyPassword, KeyDatabase); err != nil {
		return nil, err
	}

	endpoint, _, _ := strings.Cut(data[KeyEndpoints], ",")
	host, port, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	pg := &PostgreSQL{
		Host:     host,
		Port:     port,
		Username: data[KeyUsername],
		Password: data[KeyPassword],
		Database: data[KeyDatabase],
	}
	if _, err := pgx.ParseConfig(pg.URI()); err != nil {
		return nil, fmt.Errorf("invalid postgresql connection data: %w", err)
	}
	return pg, nil
}

// URI returns the SQLAlchemy URI of the database.
func (p *PostgreSQL) URI() string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	return u.String()
}

// Ping connects to the database once.
func (p *PostgreSQL) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.URI())
	if err != nil {
		return fmt.Errorf("connecting to postgresql: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging postgresql: %w", err)
	}
	return nil
}
