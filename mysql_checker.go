package main

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// MySQLChecker validates the server connection and the permissions and
// settings a rollback run depends on, before any replication stream is
// opened.
type MySQLChecker struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewMySQLChecker(db *sql.DB, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{db: db, logger: logger}
}

// Check verifies connectivity, replication privileges, and that the server
// writes row-format binlogs. Row images are mandatory here: without ROW
// format there is nothing to synthesize compensating SQL from.
func (c *MySQLChecker) Check() error {
	if err := c.db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	if err := c.checkPermissions(); err != nil {
		return err
	}
	return c.checkBinlogSettings()
}

func (c *MySQLChecker) checkPermissions() error {
	requiredPrivs := []string{
		"REPLICATION SLAVE",
		"REPLICATION CLIENT",
		"SELECT",
	}

	// SHOW GRANTS can return multiple rows.
	var allGrants strings.Builder
	rows, err := c.db.Query("SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Older servers only support the bare form.
		rows, err = c.db.Query("SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsStr := allGrants.String()
	grantsUpper := strings.ToUpper(grantsStr)
	var missingPrivs []string
	for _, priv := range requiredPrivs {
		if !strings.Contains(grantsUpper, priv) {
			missingPrivs = append(missingPrivs, priv)
		}
	}
	if len(missingPrivs) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missingPrivs, ", "), grantsStr)
	}

	c.logger.Info("All required permissions verified")
	return nil
}

func (c *MySQLChecker) checkBinlogSettings() error {
	logBin, err := c.serverVariable("log_bin")
	if err != nil {
		c.logger.Warn("Could not verify binlog status")
	} else if logBin != "ON" && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
	} else {
		c.logger.Info("Binary logging is enabled")
	}

	binlogFormat, err := c.serverVariable("binlog_format")
	if err != nil {
		c.logger.Warn("Could not verify binlog format")
		return nil
	}
	if binlogFormat != "ROW" {
		return fmt.Errorf("binlog_format is set to '%s', but ROW format is required: statement-format events carry no row images to reverse", binlogFormat)
	}
	c.logger.Info("binlog_format is set to ROW")
	return nil
}

func (c *MySQLChecker) serverVariable(name string) (string, error) {
	var value string
	err := c.db.QueryRow("SHOW VARIABLES LIKE '" + name + "'").Scan(&value, &value)
	if err != nil {
		// Alternative form for restricted accounts.
		err = c.db.QueryRow("SELECT @@" + name).Scan(&value)
		if err != nil {
			return "", err
		}
	}
	return value, nil
}
