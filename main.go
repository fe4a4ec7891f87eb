package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mysql-rollback/internal/binlog"
	"mysql-rollback/internal/catalog"
	"mysql-rollback/internal/locator"
	"mysql-rollback/internal/models"
	"mysql-rollback/internal/rollback"
	"mysql-rollback/internal/sink"
)

const timeLayout = "2006-01-02 15:04:05"

type globalFlags struct {
	configPath string
	logLevel   string
	host       string
	port       int
	user       string
	password   string
	serverID   uint32
	flavor     string
}

// resolve merges the optional YAML config with the command-line flags; flags
// win. Missing connection settings are an argument error, reported before
// any connection attempt.
func (g *globalFlags) resolve() (*Config, error) {
	cfg := &Config{}
	if g.configPath != "" {
		loaded, err := LoadConfig(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg.applyDefaults()
	}

	if g.host != "" {
		cfg.MySQL.Host = g.host
	}
	if g.port != 0 {
		cfg.MySQL.Port = g.port
	}
	if g.user != "" {
		cfg.MySQL.User = g.user
	}
	if g.password != "" {
		cfg.MySQL.Password = g.password
	}
	if g.serverID != 0 {
		cfg.MySQL.ServerID = g.serverID
	}
	if g.flavor != "" {
		cfg.MySQL.Flavor = g.flavor
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	if cfg.MySQL.Host == "" || cfg.MySQL.User == "" || cfg.MySQL.Password == "" {
		return nil, fmt.Errorf("host, user, and password are required")
	}
	return cfg, nil
}

func (c *Config) binlogConfig() binlog.Config {
	return binlog.Config{
		Host:     c.MySQL.Host,
		Port:     c.MySQL.Port,
		User:     c.MySQL.User,
		Password: c.MySQL.Password,
		ServerID: c.MySQL.ServerID,
		Flavor:   c.MySQL.Flavor,
	}
}

func openDB(cfg *Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Host, cfg.MySQL.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func applyLogLevel(cfg *Config, logger *logrus.Logger) {
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
}

// startCoordinate merges the file/offset flags with the server's current
// position. An explicit file starts there, at the given offset or the file
// start. Without a file the current file is used, and an explicit offset
// still applies within it.
func startCoordinate(file string, offset uint32, current mysql.Position) mysql.Position {
	if file == "" {
		if offset != 0 {
			return mysql.Position{Name: current.Name, Pos: offset}
		}
		return current
	}
	if offset == 0 {
		offset = 4
	}
	return mysql.Position{Name: file, Pos: offset}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func newRollbackCommand(g *globalFlags, logger *logrus.Logger) *cobra.Command {
	var (
		binlogFile   string
		startPos     uint32
		databases    string
		tables       string
		output       string
		filterScript string
		natsURL      string
		natsSubject  string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Stream binlog row changes and generate compensating SQL",
		Long: "Connects to the server's replication stream and writes one compensating " +
			"statement per captured row change, reversing inserts, updates, and deletes. " +
			"Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve()
			if err != nil {
				return err
			}
			applyLogLevel(cfg, logger)

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := NewMySQLChecker(db, logger).Check(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server := binlog.NewServer(db, logger)
			liveStart := binlogFile == ""
			var pos mysql.Position
			if liveStart {
				current, err := server.CurrentPosition(ctx)
				if err != nil {
					return err
				}
				pos = startCoordinate(binlogFile, startPos, current)
				logger.Infof("No start file given, using current file: %s:%d", pos.Name, pos.Pos)
			} else {
				pos = startCoordinate(binlogFile, startPos, mysql.Position{})
			}

			fileSink, err := sink.NewFileSink(output, binlogFile)
			if err != nil {
				return err
			}
			if liveStart {
				if err := fileSink.WriteStartPosition(pos.Name, pos.Pos); err != nil {
					logger.Warnf("Failed to record start position in script: %v", err)
				}
			}
			sinks := sink.MultiSink{fileSink, sink.NewLogSink(logger)}
			if natsURL == "" {
				natsURL = cfg.NATS.URL
			}
			if natsSubject == "" {
				natsSubject = cfg.NATS.Subject
			}
			if natsURL != "" {
				natsSink, err := sink.NewNATSSink(natsURL, natsSubject, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
				if err != nil {
					return err
				}
				sinks = append(sinks, natsSink)
			}
			defer sinks.Close()

			var filter *rollback.RowFilter
			if filterScript != "" {
				filter, err = rollback.NewRowFilter(filterScript, logger)
				if err != nil {
					return err
				}
			}

			reader, err := binlog.NewReader(cfg.binlogConfig(), pos, logger)
			if err != nil {
				return err
			}
			defer reader.Close()

			processor := rollback.NewProcessor(rollback.Options{
				Reader:    reader,
				Catalog:   catalog.New(db, logger),
				Sink:      sinks,
				Filter:    filter,
				Databases: splitList(databases),
				Tables:    splitList(tables),
				StartFile: pos.Name,
				Logger:    logger,
			})

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				errChan <- processor.Run(ctx)
			}()

			logger.Info("Capture started, press Ctrl+C to stop...")
			select {
			case sig := <-sigChan:
				logger.Infof("Received signal: %v, shutting down...", sig)
				cancel()
				<-errChan
			case err := <-errChan:
				if err != nil {
					return fmt.Errorf("rollback run failed: %w", err)
				}
			}

			logger.Info("Rollback capture stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&binlogFile, "file", "f", "", "binlog file to start from (default: server's current file)")
	cmd.Flags().Uint32VarP(&startPos, "start-position", "s", 0, "byte offset to start from (default: start of file, or current position)")
	cmd.Flags().StringVarP(&databases, "databases", "d", "", "comma-separated database names to process (default: all)")
	cmd.Flags().StringVarP(&tables, "tables", "t", "", "comma-separated table names to process (default: all)")
	cmd.Flags().StringVarP(&output, "output", "o", "rollback.sql", "rollback script output path")
	cmd.Flags().StringVar(&filterScript, "filter-script", "", "JavaScript predicate deciding which row changes are compensated")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "publish statements to this NATS server as well")
	cmd.Flags().StringVar(&natsSubject, "nats-subject", "", "NATS subject for published statements")
	return cmd
}

func newLocateCommand(g *globalFlags, logger *logrus.Logger) *cobra.Command {
	var (
		startTime string
		endTime   string
		databases string
		tables    string
	)

	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Find the binlog coordinates matching a time window",
		Long: "Scans binlog files newest to oldest, probing each file's time range, and " +
			"replays the candidate file to find the exact coordinates bounding the window. " +
			"At least one of --start-time and --end-time is required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve()
			if err != nil {
				return err
			}
			applyLogLevel(cfg, logger)

			var window models.TimeWindow
			if startTime != "" {
				t, err := time.ParseInLocation(timeLayout, startTime, time.Local)
				if err != nil {
					return fmt.Errorf("invalid start time %q, use the %s format", startTime, timeLayout)
				}
				window.Start = &t
			}
			if endTime != "" {
				t, err := time.ParseInLocation(timeLayout, endTime, time.Local)
				if err != nil {
					return fmt.Errorf("invalid end time %q, use the %s format", endTime, timeLayout)
				}
				window.End = &t
			}
			if err := window.Validate(); err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := NewMySQLChecker(db, logger).Check(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			loc := locator.New(
				binlog.NewServer(db, logger),
				locator.NewSyncerOpener(cfg.binlogConfig(), logger),
				logger,
			)
			result, err := loc.Locate(ctx, window)
			if errors.Is(err, locator.ErrNotFound) {
				fmt.Println("No binlog position matches the requested time window")
				return nil
			}
			if err != nil {
				return err
			}

			printPosition(cfg, "range start", result.Start)
			printPosition(cfg, "range end", result.End)
			return nil
		},
	}

	cmd.Flags().StringVar(&startTime, "start-time", "", "window start, \"2006-01-02 15:04:05\" local time")
	cmd.Flags().StringVar(&endTime, "end-time", "", "window end, \"2006-01-02 15:04:05\" local time")
	cmd.Flags().StringVarP(&databases, "databases", "d", "", "comma-separated database names (currently unused by the search)")
	cmd.Flags().StringVarP(&tables, "tables", "t", "", "comma-separated table names (currently unused by the search)")
	return cmd
}

func printPosition(cfg *Config, label string, p *models.PositionResult) {
	if p == nil {
		return
	}
	fmt.Printf("\nFound %s position:\n", label)
	fmt.Printf("  binlog file: %s\n", p.Coordinate.File)
	fmt.Printf("  position:    %d\n", p.Coordinate.Offset)
	fmt.Printf("  event time:  %s\n", p.Timestamp.Format(timeLayout))
	fmt.Printf("\nRoll back from this coordinate with:\n")
	fmt.Printf("  mysql-rollback rollback --host %s -P %d -u %s -p <password> -f %s -s %d\n",
		cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.User, p.Coordinate.File, p.Coordinate.Offset)
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "mysql-rollback",
		Short:         "Generate compensating SQL from MySQL binlogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file with connection defaults")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&g.host, "host", "", "MySQL host")
	pf.IntVarP(&g.port, "port", "P", 0, "MySQL port")
	pf.StringVarP(&g.user, "user", "u", "", "MySQL user")
	pf.StringVarP(&g.password, "password", "p", "", "MySQL password")
	pf.Uint32Var(&g.serverID, "server-id", 0, "replication server id")
	pf.StringVar(&g.flavor, "flavor", "", "server flavor: mysql or mariadb")

	root.AddCommand(newRollbackCommand(g, logger))
	root.AddCommand(newLocateCommand(g, logger))

	if err := root.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
