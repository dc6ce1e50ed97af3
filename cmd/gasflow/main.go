package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/gasflow/internal/logging"
	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/store"
)

type CLI struct {
	DB         string `help:"Path to SQLite database." default:"~/.weather/forecasts.db" type:"path" env:"GASFLOW_DB"`
	ModelsFile string `help:"Model catalog YAML overriding the built-in one." type:"path" env:"GASFLOW_MODELS_FILE"`
	LogLevel   string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat  string `help:"Log format." default:"text" enum:"text,json" env:"LOG_FORMAT"`
	LogFile    string `help:"Also write logs to this file, rotated." type:"path" env:"LOG_FILE"`

	Fetch        FetchCmd        `cmd:"" help:"Fetch one model cycle, cache-first, and show it against normals."`
	Backfill     BackfillCmd     `cmd:"" help:"Fetch every missing cycle in the lookback window once."`
	Schedule     ScheduleCmd     `cmd:"" help:"Run backfill passes on an interval until interrupted."`
	Trend        TrendCmd        `cmd:"" help:"Show how recent cycles forecast each valid date."`
	Changes      ChangesCmd      `cmd:"" help:"Compare a cycle with the one N hours earlier."`
	Bootstrap    BootstrapCmd    `cmd:"" help:"Download full EIA storage and CPC degree day history."`
	Update       UpdateCmd       `cmd:"" help:"Fetch storage reports and degree day weeks since the last update."`
	Coefficients CoefficientsCmd `cmd:"" help:"Fit the storage flow regression on the last three years."`
	History      HistoryCmd      `cmd:"" help:"Show recent storage reports."`
	Forecast     ForecastCmd     `cmd:"" help:"Project storage from the latest cached forecast."`
	Export       ExportCmd       `cmd:"" help:"Write a dataset to a Parquet file."`
	Serve        ServeCmd        `cmd:"" help:"Serve the JSON API and metrics."`
	Models       ModelsCmd       `cmd:"" help:"List configured forecast models."`
}

// App carries what every command needs once flags are parsed.
type App struct {
	Store   *store.Store
	Catalog *models.Catalog
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Out     *printer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gasflow"),
		kong.Description("Degree day forecast cache and gas storage flow regression."),
		kong.UsageOnError(),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	logger, err := logging.New(logging.Options{Level: cli.LogLevel, Format: cli.LogFormat, File: cli.LogFile})
	if err != nil {
		kctx.Fatalf("logging: %v", err)
	}
	slog.SetDefault(logger)

	catalog := models.DefaultCatalog()
	if cli.ModelsFile != "" {
		if catalog, err = models.LoadCatalog(cli.ModelsFile); err != nil {
			kctx.Fatalf("%v", err)
		}
	}

	db, err := openDB(cli.DB)
	if err != nil {
		kctx.Fatalf("%v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		kctx.Fatalf("migrate: %v", err)
	}
	logger.Debug("database migrated", "path", cli.DB)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := &App{
		Store:   st,
		Catalog: catalog,
		Clock:   clockwork.NewRealClock(),
		Logger:  logger,
		Out:     newPrinter(os.Stdout),
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(app); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	return db, nil
}
