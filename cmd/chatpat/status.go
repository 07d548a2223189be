package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/pkg/config"
)

// chatStats is read straight from the database; it is nil in the report
// when the database cannot be opened.
type chatStats struct {
	Users           int64                           `json:"users"`
	VerifiedUsers   int64                           `json:"verifiedUsers"`
	OnlineUsers     int64                           `json:"onlineUsers"`
	Conversations   int64                           `json:"conversations"`
	Messages        int64                           `json:"messages"`
	ByStatus        map[models.DeliveryStatus]int64 `json:"messagesByStatus"`
	MediaMessages   int64                           `json:"mediaMessages"`
	Reactions       int64                           `json:"reactions"`
	ActiveStatuses  int64                           `json:"activeStatuses"`
	PushEndpoints   int64                           `json:"pushEndpoints"`
	MessagesLast24h int64                           `json:"messagesLast24h"`
	LatestMessageAt string                          `json:"latestMessageAt"`
}

type storageStats struct {
	DBFile      int64 `json:"dbFileBytes"`
	DBWAL       int64 `json:"dbWalBytes"`
	DBSHM       int64 `json:"dbShmBytes"`
	UploadBytes int64 `json:"uploadBytes"`
	UploadFiles int64 `json:"uploadFiles"`
}

func (s storageStats) Footprint() int64 { return s.DBFile + s.DBWAL + s.DBSHM }

type appStatus struct {
	GeneratedAt     time.Time    `json:"generatedAt"`
	Environment     string       `json:"environment"`
	Port            string       `json:"port"`
	DatabasePath    string       `json:"databasePath"`
	FileStoragePath string       `json:"fileStoragePath"`
	Chat            *chatStats   `json:"chat"`
	Storage         storageStats `json:"storage"`
	Warnings        []string     `json:"warnings"`
}

func (s *appStatus) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	var opts statusOptions
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	return printStatus(out, status)
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:     time.Now().UTC(),
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
		Warnings:        []string{},
	}

	for _, f := range []struct {
		dst      *int64
		path     string
		required bool
	}{
		{&status.Storage.DBFile, cfg.DatabasePath, true},
		{&status.Storage.DBWAL, cfg.DatabasePath + "-wal", false},
		{&status.Storage.DBSHM, cfg.DatabasePath + "-shm", false},
	} {
		info, err := os.Stat(f.path)
		switch {
		case err == nil && !info.IsDir():
			*f.dst = info.Size()
		case f.required && err != nil:
			status.warn("database file: %v", err)
		case f.required:
			status.warn("database file: %s is a directory", f.path)
		}
	}

	var err error
	if status.Storage.UploadBytes, status.Storage.UploadFiles, err = dirUsage(cfg.FileStoragePath); err != nil {
		status.warn("upload dir: %v", err)
	}

	// Open without migrating: the report must not create or alter a database.
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.warn("database unavailable: %v", err)
		return status
	}
	conn, err := sql.Open("sqlite3", "file:"+cfg.DatabasePath+"?_busy_timeout=5000")
	if err != nil {
		status.warn("database unavailable: %v", err)
		return status
	}
	defer conn.Close()

	if err := conn.Ping(); err != nil {
		status.warn("database unavailable: %v", err)
		return status
	}

	chat, err := readChatStats(conn, status.GeneratedAt)
	if err != nil {
		status.warn("could not read database stats: %v", err)
		return status
	}
	status.Chat = chat
	return status
}

func readChatStats(conn *sql.DB, now time.Time) (*chatStats, error) {
	s := &chatStats{ByStatus: map[models.DeliveryStatus]int64{}}

	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&s.Users, "SELECT COUNT(*) FROM users", nil},
		{&s.VerifiedUsers, "SELECT COUNT(*) FROM users WHERE is_verified = 1", nil},
		{&s.OnlineUsers, "SELECT COUNT(*) FROM users WHERE is_online = 1", nil},
		{&s.Conversations, "SELECT COUNT(*) FROM conversations", nil},
		{&s.Messages, "SELECT COUNT(*) FROM messages", nil},
		{&s.MediaMessages, "SELECT COUNT(*) FROM messages WHERE content_type != ?", []any{models.ContentText}},
		{&s.Reactions, "SELECT COUNT(*) FROM message_reactions", nil},
		{&s.ActiveStatuses, "SELECT COUNT(*) FROM statuses WHERE expires_at >= ?", []any{now}},
		{&s.PushEndpoints, "SELECT COUNT(*) FROM push_subscriptions", nil},
		{&s.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE created_at >= ?", []any{now.Add(-24 * time.Hour)}},
	}
	for _, c := range counts {
		if err := conn.QueryRow(c.query, c.args...).Scan(c.dst); err != nil {
			return nil, err
		}
	}

	rows, err := conn.Query("SELECT status, COUNT(*) FROM messages GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st models.DeliveryStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		s.ByStatus[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var latest sql.NullString
	if err := conn.QueryRow("SELECT MAX(created_at) FROM messages").Scan(&latest); err != nil {
		return nil, err
	}
	s.LatestMessageAt = latest.String
	return s, nil
}

func dirUsage(root string) (bytes, files int64, err error) {
	err = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bytes, files, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func orNA(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(label string, value any) { fmt.Fprintf(w, "  %s\t%v\n", label, value) }

	fmt.Fprintln(w, "Chatpat Status")
	row("Generated at", status.GeneratedAt.Format(time.RFC3339))
	row("Environment", status.Environment)
	row("Port", status.Port)
	row("Database", status.DatabasePath)
	row("Uploads dir", status.FileStoragePath)

	fmt.Fprintln(w, "\nChat")
	if c := status.Chat; c != nil {
		row("Users", fmt.Sprintf("%d (%d verified, %d online)", c.Users, c.VerifiedUsers, c.OnlineUsers))
		row("Conversations", c.Conversations)
		row("Messages", fmt.Sprintf("%d (%d sent, %d delivered, %d read)", c.Messages,
			c.ByStatus[models.StatusSent], c.ByStatus[models.StatusDelivered], c.ByStatus[models.StatusRead]))
		row("Media messages", c.MediaMessages)
		row("Reactions", c.Reactions)
		row("Active statuses", c.ActiveStatuses)
		row("Push endpoints", c.PushEndpoints)
		row("Messages last 24h", c.MessagesLast24h)
		row("Latest message at", orNA(c.LatestMessageAt))
	} else {
		row("Database stats", "n/a")
	}

	fmt.Fprintln(w, "\nStorage")
	row("DB file", formatBytes(status.Storage.DBFile))
	row("DB WAL file", formatBytes(status.Storage.DBWAL))
	row("DB SHM file", formatBytes(status.Storage.DBSHM))
	row("DB footprint", formatBytes(status.Storage.Footprint()))
	row("Upload files", status.Storage.UploadFiles)
	row("Upload size", formatBytes(status.Storage.UploadBytes))

	if len(status.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warning := range status.Warnings {
			fmt.Fprintf(w, "Warning: %s\n", warning)
		}
	}
	return w.Flush()
}

func printStatusJSON(out io.Writer, status appStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
