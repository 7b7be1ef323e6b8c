package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/dawasakhi/authgateway/internal/auth"
	"github.com/dawasakhi/authgateway/internal/otp"
	"github.com/dawasakhi/authgateway/internal/providers"
	"github.com/dawasakhi/authgateway/internal/providers/logger"
	"github.com/dawasakhi/authgateway/internal/providers/webhook"
	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/dawasakhi/authgateway/internal/store/redis"
	"github.com/dawasakhi/authgateway/internal/token"
	usersredis "github.com/dawasakhi/authgateway/internal/users/redis"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const envPrefix = "AUTH_GATEWAY_"

type constants struct {
	// ExpiryWarning is the window before an access token's expiry in
	// which responses carry the X-Token-Expiring header.
	ExpiryWarning time.Duration
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("hash-password", "", "Print the bcrypt hash of a password (for seeding password logins) and exit")
	f.Bool("version", false, "Show build version")
	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatalf("error parsing flags: %v", err)
	}

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	if pw, _ := f.GetString("hash-password"); pw != "" {
		h, err := auth.HashPassword(pw)
		if err != nil {
			log.Fatalf("error hashing password: %v", err)
		}
		fmt.Println(h)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		log.Printf("error loading flags: %v", err)
	}
}

// initLogger initializes the app logger.
func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{
		EnableCaller:    true,
		TimestampFormat: time.RFC3339,
		Level:           logf.InfoLevel,
	}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}

	return logf.New(opts)
}

// initStore initializes the key-value store OTPs and revoked tokens live in.
func initStore() *redis.Redis {
	var c redis.Conf
	if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error loading store config", "error", err)
	}
	return redis.New(c)
}

// initUsers initializes the user directory.
func initUsers() *usersredis.Redis {
	var c usersredis.Conf
	if err := ko.UnmarshalWithConf("users.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error loading users config", "error", err)
	}
	return usersredis.New(c)
}

func initOTP(st store.Store) *otp.Manager {
	return otp.New(otp.Opt{
		TTL:            ko.Duration("otp.ttl"),
		ResendInterval: ko.Duration("otp.resend_interval"),
		MaxAttempts:    ko.Int("otp.max_attempts"),
	}, st)
}

func initTokens(st store.Store) *token.Manager {
	tm, err := token.New(token.Opt{
		Secret:     []byte(ko.String("jwt.secret")),
		AccessTTL:  ko.Duration("jwt.access_ttl"),
		RefreshTTL: ko.Duration("jwt.refresh_ttl"),
		Issuer:     ko.String("jwt.issuer"),
		Audience:   ko.String("jwt.audience"),
	}, st)
	if err != nil {
		lo.Fatal("error initializing tokens", "error", err)
	}
	return tm
}

// initProvider initializes the OTP delivery provider named in app.provider.
func initProvider() models.Provider {
	switch p := ko.String("app.provider"); p {
	case "", "logger":
		return logger.New(lo)
	case "webhook":
		var c webhook.Config
		if err := ko.UnmarshalWithConf("provider.webhook", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error loading webhook config", "error", err)
		}
		w, err := webhook.New(c)
		if err != nil {
			lo.Fatal("error initializing webhook provider", "error", err)
		}
		return w
	default:
		lo.Fatal("unknown provider", "provider", p)
	}
	return nil
}

// initTemplate compiles the OTP message template.
func initTemplate() *template.Template {
	tpl, err := providers.NewTemplate(ko.String("otp.template"))
	if err != nil {
		lo.Fatal("error compiling OTP template", "error", err)
	}
	return tpl
}
