package relation

import (
	"fmt"
	"strconv"
)

// Redis relation keys.
const (
	KeyHostname = "hostname"
	KeyPort     = "port"
)

// Redis is the cache and Celery broker used by Superset.
type Redis struct {
	Host string
	Port int
}

// ParseRedis reads Redis relation data.
func ParseRedis(data map[string]string) (*Redis, error) {
	if err := require(data, KeyHostname, KeyPort); err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(data[KeyPort])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid redis port %q", data[KeyPort])
	}
	return &Redis{Host: data[KeyHostname], Port: port}, nil
}
