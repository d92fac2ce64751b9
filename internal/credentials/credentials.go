// Package credentials is a thin collaborator that sources the userId and
// password the Session login step needs. Sourcing is intentionally
// shallow — enriching it is out of scope, the fabric only needs something
// to call.
package credentials

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credentials holds the broker login pair.
type Credentials struct {
	UserID   string `env:"XTB_USER_ID,required"`
	Password string `env:"XTB_PASSWORD,required"`
}

// Load reads Credentials from the environment, optionally preloading a
// .env file first (godotenv.Load's error is ignored when the file is
// absent).
func Load(dotenvPath ...string) (Credentials, error) {
	if len(dotenvPath) > 0 {
		_ = godotenv.Load(dotenvPath...)
	} else {
		_ = godotenv.Load()
	}

	var c Credentials
	if err := env.Parse(&c); err != nil {
		return Credentials{}, fmt.Errorf("credentials: %w", err)
	}
	return c, nil
}
