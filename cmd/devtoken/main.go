// Command devtoken mints HS256 bearer tokens accepted by the service when
// AUTH_DEV_SECRET is set.
package main

import (
	"fmt"
	"os"
	"time"

	"ms-purchase/internal/auth"
	"ms-purchase/internal/config"
	"ms-purchase/internal/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	secret := flag.String("secret", cfg.Auth.DevSecret, "signing secret (default from AUTH_DEV_SECRET)")
	subject := flag.StringP("sub", "s", "", "buyer ID placed in the subject claim")
	email := flag.String("email", "", "buyer email")
	name := flag.String("name", "", "buyer display name")
	roles := flag.StringSlice("role", nil, "role to grant, repeatable (SCANNER, ORGANIZER)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	log := logger.New(logger.Options{Terminal: os.Stderr, MinLevel: logger.ParseLevel(cfg.Log.Level)})

	if *secret == "" {
		log.Fatal("AUTH", "no signing secret, set --secret or AUTH_DEV_SECRET")
	}
	if *subject == "" {
		log.Fatal("AUTH", "--sub is required")
	}

	token, err := auth.NewHMACVerifier(*secret).Sign(auth.Buyer{
		ID:    *subject,
		Email: *email,
		Name:  *name,
		Roles: *roles,
	}, jwt.NewNumericDate(time.Now().Add(*ttl)))
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("sign token: %v", err))
	}
	fmt.Fprintln(os.Stdout, token)
}
