package superset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

const databasePath = "/api/v1/database/"

// TrinoConnection is a Superset database connection backed by Trino.
type TrinoConnection struct {
	ID            int
	DatabaseName  string
	SQLAlchemyURI string
	// Catalog is the last path segment of the URI without its query.
	Catalog string
}

// ConnectionParams describe the Trino connection to create or update.
type ConnectionParams struct {
	DatabaseName  string
	Catalog       string
	ServerAddress string
	Username      string
	Password      string
	UseTLS        bool
}

// URI returns the SQLAlchemy URI for the parameters.
func (p ConnectionParams) URI() string {
	return BuildTrinoURI(p.ServerAddress, p.Catalog, p.Username, p.Password, p.UseTLS)
}

// BuildTrinoURI builds a SQLAlchemy URI for Trino. Username and password
// are form-encoded. The password is only embedded when TLS is used.
func BuildTrinoURI(hostPort, catalog, username, password string, useTLS bool) string {
	user := url.QueryEscape(username)
	if useTLS {
		return fmt.Sprintf("trino://%s:%s@%s/%s", user, url.QueryEscape(password), hostPort, catalog)
	}
	return fmt.Sprintf("trino://%s@%s/%s", user, hostPort, catalog)
}

// CatalogFromURI returns the text after the last "/" of uri, up to the
// first "?".
func CatalogFromURI(uri string) string {
	last := uri[strings.LastIndex(uri, "/")+1:]
	catalog, _, _ := strings.Cut(last, "?")
	return catalog
}

// ListTrinoConnections returns every Trino connection in Superset. A
// connection whose detail cannot be fetched is logged and left out.
func (c *Client) ListTrinoConnections(ctx context.Context) ([]TrinoConnection, error) {
	results, err := c.listPaginated(ctx, databasePath, nil)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	l := log.FromContext(ctx)
	var conns []TrinoConnection
	for _, raw := range results {
		var db databaseSummary
		if err := json.Unmarshal(raw, &db); err != nil {
			l.Info("skipping undecodable database entry", "error", err.Error())
			continue
		}
		if db.Backend != "trino" || db.ID == 0 || db.DatabaseName == "" {
			continue
		}

		var detail connectionResponse
		if err := c.send(ctx, http.MethodGet, fmt.Sprintf("%s%d/connection", databasePath, db.ID), nil, &detail); err != nil {
			l.Info("error fetching trino connection, skipping",
				"database", db.DatabaseName, "databaseId", db.ID, "error", err.Error())
			continue
		}

		uri := detail.Result.SQLAlchemyURI
		if !strings.Contains(uri, "trino://") {
			continue
		}
		conns = append(conns, TrinoConnection{
			ID:            db.ID,
			DatabaseName:  db.DatabaseName,
			SQLAlchemyURI: uri,
			Catalog:       CatalogFromURI(uri),
		})
	}

	l.V(1).Info("listed trino connections", "trino", len(conns), "total", len(results))
	return conns, nil
}

// CreateTrinoConnection creates a database connection and returns its ID.
func (c *Client) CreateTrinoConnection(ctx context.Context, p ConnectionParams) (int, error) {
	var resp createDatabaseResponse
	if err := c.send(ctx, http.MethodPost, databasePath, newCreateDatabaseRequest(p), &resp); err != nil {
		return 0, fmt.Errorf("creating database %q: %w", p.DatabaseName, err)
	}
	return resp.ID, nil
}

// UpdateTrinoConnection replaces the SQLAlchemy URI of a connection.
// Nothing else about the connection changes.
func (c *Client) UpdateTrinoConnection(ctx context.Context, id int, p ConnectionParams) error {
	body := updateDatabaseRequest{SQLAlchemyURI: p.URI()}
	if err := c.send(ctx, http.MethodPut, fmt.Sprintf("%s%d", databasePath, id), body, nil); err != nil {
		return fmt.Errorf("updating database %d: %w", id, err)
	}
	return nil
}

// Database API request/response types.

type databaseSummary struct {
	ID           int    `json:"id"`
	DatabaseName string `json:"database_name"`
	Backend      string `json:"backend"`
}

type connectionResponse struct {
	Result struct {
		SQLAlchemyURI string `json:"sqlalchemy_uri"`
	} `json:"result"`
}

type engineInformation struct {
	DisableSSHTunneling bool `json:"disable_ssh_tunneling"`
	SupportsFileUpload  bool `json:"supports_file_upload"`
}

type databaseExtra struct {
	AllowsVirtualTableExplore bool `json:"allows_virtual_table_explore"`
	CostEstimateEnabled       bool `json:"cost_estimate_enabled"`
}

type createDatabaseRequest struct {
	Engine              string            `json:"engine"`
	DatabaseName        string            `json:"database_name"`
	ConfigurationMethod string            `json:"configuration_method"`
	SQLAlchemyURI       string            `json:"sqlalchemy_uri"`
	EngineInformation   engineInformation `json:"engine_information"`
	// Extra is a JSON document encoded as a string.
	Extra           string `json:"extra"`
	ExposeInSQLLab  bool   `json:"expose_in_sqllab"`
	AllowRunAsync   bool   `json:"allow_run_async"`
	ImpersonateUser bool   `json:"impersonate_user"`
}

func newCreateDatabaseRequest(p ConnectionParams) createDatabaseRequest {
	extra, _ := json.Marshal(databaseExtra{
		AllowsVirtualTableExplore: true,
		CostEstimateEnabled:       true,
	})
	return createDatabaseRequest{
		Engine:              "trino",
		DatabaseName:        p.DatabaseName,
		ConfigurationMethod: "sqlalchemy_form",
		SQLAlchemyURI:       p.URI(),
		EngineInformation: engineInformation{
			DisableSSHTunneling: false,
			SupportsFileUpload:  true,
		},
		Extra:           string(extra),
		ExposeInSQLLab:  true,
		AllowRunAsync:   true,
		ImpersonateUser: true,
	}
}

type createDatabaseResponse struct {
	ID int `json:"id"`
}

type updateDatabaseRequest struct {
	SQLAlchemyURI string `json:"sqlalchemy_uri"`
}
