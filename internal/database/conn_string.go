package database

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/pushsession/internal/config"
)

const (
	applicationName = "pushsession"
	connectTimeout  = 10 // seconds
)

// BuildConnString builds a PostgreSQL URL from cfg. The password is escaped
// by net/url.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", applicationName)
	q.Set("connect_timeout", strconv.Itoa(connectTimeout))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
