package main

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Database records the mapping from Slack identifiers to the Discord
// entities created during a run. The message table doubles as import
// progress: already-mapped timestamps are skipped on a rerun.
type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		return nil, err
	}

	return database, nil
}

func (d *Database) createTables() error {
	createTablesSQL := `
	CREATE TABLE IF NOT EXISTS channels (
		slack_name TEXT PRIMARY KEY,
		discord_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		channel TEXT NOT NULL,
		slack_ts TEXT NOT NULL,
		discord_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel, slack_ts)
	);

	CREATE TABLE IF NOT EXISTS threads (
		channel TEXT NOT NULL,
		slack_thread_ts TEXT NOT NULL,
		discord_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel, slack_thread_ts)
	);

	CREATE TABLE IF NOT EXISTS files (
		slack_file_id TEXT PRIMARY KEY,
		discord_message_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel);
	CREATE INDEX IF NOT EXISTS idx_threads_channel ON threads(channel);
	`

	_, err := d.db.Exec(createTablesSQL)
	return err
}

func (d *Database) SaveChannel(slackName, discordID string) error {
	_, err := d.db.Exec("INSERT OR REPLACE INTO channels (slack_name, discord_id) VALUES (?, ?)", slackName, discordID)
	return err
}

// GetChannel returns the Discord channel ID recorded for a Slack channel
// name, or "" if it hasn't been created yet.
func (d *Database) GetChannel(slackName string) (string, error) {
	var id string
	err := d.db.QueryRow("SELECT discord_id FROM channels WHERE slack_name = ?", slackName).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (d *Database) SaveMessage(channel, slackTS, discordID string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages (channel, slack_ts, discord_id)
		VALUES (?, ?, ?)`,
		channel, slackTS, discordID)
	return err
}

// GetMessage returns the Discord message ID recorded for a Slack timestamp,
// or "" if the message hasn't been imported.
func (d *Database) GetMessage(channel, slackTS string) (string, error) {
	var id string
	err := d.db.QueryRow("SELECT discord_id FROM messages WHERE channel = ? AND slack_ts = ?", channel, slackTS).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (d *Database) SaveThread(channel, slackThreadTS, discordID string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO threads (channel, slack_thread_ts, discord_id)
		VALUES (?, ?, ?)`,
		channel, slackThreadTS, discordID)
	return err
}

// GetThread returns the Discord thread ID recorded for a Slack thread
// timestamp, or "" if no thread has been started for it.
func (d *Database) GetThread(channel, slackThreadTS string) (string, error) {
	var id string
	err := d.db.QueryRow("SELECT discord_id FROM threads WHERE channel = ? AND slack_thread_ts = ?", channel, slackThreadTS).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (d *Database) SaveFile(slackFileID, discordMessageID string) error {
	_, err := d.db.Exec("INSERT OR REPLACE INTO files (slack_file_id, discord_message_id) VALUES (?, ?)", slackFileID, discordMessageID)
	return err
}

// GetLastImportedTS returns the newest Slack timestamp imported into a
// channel, or "" if nothing has been imported yet.
func (d *Database) GetLastImportedTS(channel string) (string, error) {
	var ts string
	err := d.db.QueryRow("SELECT slack_ts FROM messages WHERE channel = ? ORDER BY slack_ts DESC LIMIT 1", channel).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

// CountMessages returns how many messages have been recorded for a channel.
func (d *Database) CountMessages(channel string) (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages WHERE channel = ?", channel).Scan(&n)
	return n, err
}

func (d *Database) Close() error {
	return d.db.Close()
}
