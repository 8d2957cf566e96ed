package postgres

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ConnParams identifies the target database.
type ConnParams struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	ConnectTimeout  time.Duration
	ApplicationName string
}

// URL renders the params as a postgres:// connection string.
func (p ConnParams) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.ConnectTimeout > 0 {
		secs := int(p.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if p.ApplicationName != "" {
		q.Set("application_name", p.ApplicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted is URL with the password masked, for logs.
func (p ConnParams) Redacted() string {
	if p.Password != "" {
		p.Password = "xxxxx"
	}
	return p.URL()
}

// ParseConnConfig builds a pgx config for p.
func ParseConnConfig(p ConnParams) (*pgx.ConnConfig, error) {
	return pgx.ParseConfig(p.URL())
}
